package lookout

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/aalbacetef/lookout/tracing"
)

// Validator is the method of validation being used, either a command or a token from a list.
type Validator string

const (
	ListValidator    Validator = "list"
	CommandValidator Validator = "command"
)

// Auth specifies the authentication of the incoming request.
// If Validator is a ListValidator, then the token of the request must match a token of the list
// If Validator is a CommandValidator, then the value of Run is executed and considered successful if exit code = 0.
type Auth struct {
	Token     []string  `yaml:"token"`
	Validator Validator `yaml:"validator"`
	Run       string    `yaml:"run"`
}

type Logging struct {
	Dir string `yaml:"dir"`
}

// Script is a bash script run by lookout. Its stdout lines become events.
type Script struct {
	Name    string   `yaml:"name"`
	Run     string   `yaml:"run"`
	Timeout Duration `yaml:"timeout"`
}

type Prepare struct {
	Run     string   `yaml:"run"`
	TTL     Duration `yaml:"ttl"`
	Timeout Duration `yaml:"timeout"`
}

type Config struct {
	Server struct {
		Host           string   `yaml:"host"`
		Port           int      `yaml:"port"`
		Logging        Logging  `yaml:"logging"`
		RequestTimeout Duration `yaml:"request-timeout"`
		Auth           *Auth    `yaml:"auth"`

		// Workflow used by requests that do not name one.
		DefaultWorkflow string `yaml:"default-workflow"`
	} `yaml:"server"`

	Pool struct {
		Workers int `yaml:"workers"`
	} `yaml:"pool"`

	Store struct {
		Path          string   `yaml:"path"`
		JobTTL        Duration `yaml:"job-ttl"`
		PurgeSchedule string   `yaml:"purge-schedule"`
		CacheTTL      Duration `yaml:"cache-ttl"`
	} `yaml:"store"`

	Prepare   Prepare        `yaml:"prepare"`
	Workflows []Script       `yaml:"workflows"`
	Describe  Script         `yaml:"describe"`
	Tracing   tracing.Config `yaml:"tracing"`
}

func (cfg Config) Valid() error { //nolint:gocognit
	if cfg.Server.Port == 0 {
		return MustBeSetError{"port"}
	}

	if cfg.Server.Host == "" {
		return MustBeSetError{"host"}
	}

	if auth := cfg.Server.Auth; auth != nil {
		switch auth.Validator {
		default:
			return MustBeSetError{"server.auth.validator"}
		case CommandValidator:
			if strings.TrimSpace(auth.Run) == "" {
				return MustBeSetError{"server.auth.run"}
			}
		case ListValidator:
			if len(auth.Token) == 0 {
				return MustBeSetError{"server.auth.token"}
			}
		}
	}

	if cfg.Pool.Workers < 1 {
		return MustBeSetError{"pool.workers"}
	}

	if cfg.Store.Path == "" {
		return MustBeSetError{"store.path"}
	}

	if _, err := cron.ParseStandard(cfg.Store.PurgeSchedule); err != nil {
		return fmt.Errorf("invalid store.purge-schedule: %w", err)
	}

	if len(cfg.Workflows) == 0 {
		return MustBeSetError{"workflows"}
	}

	seen := make(map[string]bool, len(cfg.Workflows))

	for k, w := range cfg.Workflows {
		label := fmt.Sprintf("workflows[%d]", k)

		if w.Name == "" {
			return MustBeSetError{label + ".name"}
		}

		if seen[w.Name] {
			return DuplicateWorkflowError{w.Name}
		}

		seen[w.Name] = true

		if strings.TrimSpace(w.Run) == "" {
			return MustBeSetError{label + ".run"}
		}
	}

	if !seen[cfg.Server.DefaultWorkflow] {
		return UnknownWorkflowError{cfg.Server.DefaultWorkflow}
	}

	return nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Host == "" {
		cfg.Server.Host = defaultHost
	}

	if cfg.Server.RequestTimeout.Duration == 0 {
		cfg.Server.RequestTimeout.Duration = defaultRequestTimeout
	}

	if cfg.Pool.Workers == 0 {
		cfg.Pool.Workers = defaultWorkers
	}

	if cfg.Store.Path == "" {
		cfg.Store.Path = defaultStorePath
	}

	if cfg.Store.JobTTL.Duration == 0 {
		cfg.Store.JobTTL.Duration = defaultJobTTL
	}

	if cfg.Store.PurgeSchedule == "" {
		cfg.Store.PurgeSchedule = defaultPurgeSchedule
	}

	if cfg.Store.CacheTTL.Duration == 0 {
		cfg.Store.CacheTTL.Duration = defaultCacheTTL
	}

	if cfg.Prepare.TTL.Duration == 0 {
		cfg.Prepare.TTL.Duration = defaultPrepareTTL
	}

	if cfg.Prepare.Timeout.Duration == 0 {
		cfg.Prepare.Timeout.Duration = defaultPrepareTimeout
	}

	if cfg.Server.DefaultWorkflow == "" {
		cfg.Server.DefaultWorkflow = defaultWorkflow(cfg.Workflows)
	}

	for k := range cfg.Workflows {
		if cfg.Workflows[k].Timeout.Duration == 0 {
			cfg.Workflows[k].Timeout.Duration = defaultWorkflowTimeout
		}
	}

	if cfg.Describe.Name == "" {
		cfg.Describe.Name = "describe"
	}

	if cfg.Describe.Timeout.Duration == 0 {
		cfg.Describe.Timeout.Duration = defaultWorkflowTimeout
	}
}

// defaultWorkflow is DefaultWorkflow when it is configured, otherwise the
// first configured workflow.
func defaultWorkflow(workflows []Script) string {
	for _, w := range workflows {
		if w.Name == DefaultWorkflow {
			return DefaultWorkflow
		}
	}

	if len(workflows) > 0 {
		return workflows[0].Name
	}

	return ""
}

type MustBeSetError struct {
	field string
}

func (e MustBeSetError) Error() string {
	return fmt.Sprintf("field '%s' must be set", e.field)
}

type DuplicateWorkflowError struct {
	Name string
}

func (e DuplicateWorkflowError) Error() string {
	return fmt.Sprintf("workflow '%s' is defined more than once", e.Name)
}

// Load will attempt to load the config from the following
// sources (in order):
//   - flag value (if passed)
//   - Env Var ($LOOKOUT_CONFIG_PATH)
//   - current working directory
//
// It will return the source used, which aids in debugging.
func Load(fpath string) (Config, Source, error) {
	source := determineSource(fpath)

	switch source {
	case LoadFromFlag:
		cfg, err := loadConfigFromFile(fpath)
		return cfg, source, err

	case LoadFromEnv:
		cfg, err := loadConfigFromFile(os.Getenv(ConfigEnvVar))
		return cfg, source, err

	case LoadFromCurDir:
		wd, err := os.Getwd()
		if err != nil {
			return Config{}, source, fmt.Errorf("os.Getwd failed: %w", err)
		}

		cfg, err := loadConfigFromFile(filepath.Join(wd, defaultFilename))

		return cfg, source, err

	default:
		return Config{}, "", errors.New("no source could be determined")
	}
}

// Source is where the config was read from.
type Source string

const (
	LoadFromFlag   Source = "load-from-flag"
	LoadFromEnv    Source = "load-from-env"
	LoadFromCurDir Source = "load-from-cur-dir"
)

func determineSource(fpath string) Source {
	if fpath != "" {
		return LoadFromFlag
	}

	if os.Getenv(ConfigEnvVar) != "" {
		return LoadFromEnv
	}

	return LoadFromCurDir
}

type FileNotFoundError struct {
	Path string
}

func (e FileNotFoundError) Error() string {
	return fmt.Sprintf("file not found: '%s'", e.Path)
}

func loadConfigFromFile(fpath string) (Config, error) {
	absPath, err := filepath.Abs(fpath)
	if err != nil {
		return Config{}, fmt.Errorf("filepath.Abspath failed when loading config from file: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return Config{}, FileNotFoundError{absPath}
	}

	if err != nil {
		return Config{}, fmt.Errorf("could not read file '%s': %w", absPath, err)
	}

	return loadConfig(bytes.NewReader(data))
}

// loadConfig parses, applies defaults to and validates a config.
func loadConfig(r io.Reader) (Config, error) {
	cfg := Config{}

	data, err := io.ReadAll(r)
	if err != nil {
		return cfg, fmt.Errorf("could not read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("could not unmarshal config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Valid(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Duration is a time.Duration written as a duration string ("5m", "1h30m").
type Duration struct {
	time.Duration
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	str := strings.TrimSpace(value.Value)

	if str == "" {
		d.Duration = 0
		return nil
	}

	dur, err := time.ParseDuration(str)
	if err != nil {
		return fmt.Errorf("could not parse '%s': %w", str, err)
	}

	d.Duration = dur

	return nil
}
