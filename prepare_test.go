package lookout

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func countLines(t *testing.T, path string) int {
	t.Helper()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0
	}

	require.NoError(t, err)

	return strings.Count(string(data), "\n")
}

func TestPreparer(t *testing.T) {
	t.Run("no script is a no-op", func(tt *testing.T) {
		p := NewPreparer(Prepare{}, nil)
		require.NoError(tt, p.Prepare(context.Background()))
	})

	t.Run("success is remembered", func(tt *testing.T) {
		counter := filepath.Join(tt.TempDir(), "runs")

		p := NewPreparer(Prepare{
			Run: "echo run >> " + counter,
			TTL: Duration{time.Hour},
		}, nil)

		var wg sync.WaitGroup

		for range 5 {
			wg.Add(1)

			go func() {
				defer wg.Done()
				assert.NoError(tt, p.Prepare(context.Background()))
			}()
		}

		wg.Wait()
		require.Equal(tt, 1, countLines(tt, counter))

		p.(*ScriptPreparer).Invalidate()
		require.NoError(tt, p.Prepare(context.Background()))
		require.Equal(tt, 2, countLines(tt, counter))
	})

	t.Run("failures are reported and retried", func(tt *testing.T) {
		counter := filepath.Join(tt.TempDir(), "runs")

		p := NewPreparer(Prepare{
			Run: "echo run >> " + counter + "\necho 'ticket expired' >&2\nexit 1",
			TTL: Duration{time.Hour},
		}, nil)

		err := p.Prepare(context.Background())
		require.ErrorContains(tt, err, "ticket expired")

		require.Error(tt, p.Prepare(context.Background()))
		require.Equal(tt, 2, countLines(tt, counter))
	})

	t.Run("a hung script is cut short", func(tt *testing.T) {
		p := NewPreparer(Prepare{
			Run:     "sleep 5",
			TTL:     Duration{time.Hour},
			Timeout: Duration{100 * time.Millisecond},
		}, nil)

		start := time.Now()
		err := p.Prepare(context.Background())
		require.ErrorContains(tt, err, "timed out after 100ms")
		require.Less(tt, time.Since(start), 3*time.Second)

		tt.Run("waiting callers are released", func(ttt *testing.T) {
			start := time.Now()

			var wg sync.WaitGroup

			for range 2 {
				wg.Add(1)

				go func() {
					defer wg.Done()
					assert.Error(ttt, p.Prepare(context.Background()))
				}()
			}

			wg.Wait()
			require.Less(ttt, time.Since(start), 5*time.Second)
		})
	})
}
