package lookout

import "time"

const (
	// Environment variable to read the lookout config path from.
	ConfigEnvVar = "LOOKOUT_CONFIG_PATH"

	// Default config file name assumed.
	defaultFilename = "lookout.yml"

	// Default host to serve from.
	defaultHost = "localhost"

	// Default request timeout.
	defaultRequestTimeout = 5 * time.Minute

	defaultWorkers         = 2
	defaultWorkflowTimeout = 30 * time.Minute

	// Workflow used when a request does not name one, if it is configured.
	DefaultWorkflow = "react"

	defaultStorePath     = ".db.sqlite3"
	defaultJobTTL        = 24 * time.Hour
	defaultPurgeSchedule = "@hourly"
	defaultCacheTTL      = 10 * time.Minute
	defaultPrepareTTL    = 24 * time.Hour

	// How long the prepare script may run. Submissions wait on it.
	defaultPrepareTimeout = 2 * time.Minute

	// Name of the log file created under server.logging.dir.
	logFilename = "lookout.log"
)
