package coverage

import (
	"context"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/sourcegraph/conc/pool"

	"github.com/gantrylabs/gantry/events"
)

// uncoveredReadConcurrency bounds the post-run fan-out over never-loaded files.
const uncoveredReadConcurrency = 4

// RegisterUncovered gives every eligible file that never appeared in the
// coverage map a record anyway, so reports show it at zero coverage instead
// of omitting it. Each file is loaded and instrumented best-effort; one
// file's failure never blocks the others.
func RegisterUncovered(ctx context.Context, set *FileSet, gate *Gate, cov *Map, bus *events.Bus, logger log.Logger) {
	if set == nil || set.Len() == 0 {
		return
	}
	if logger == nil {
		logger = log.Root()
	}

	var missing []string
	for _, path := range set.Files() {
		if !cov.Has(path) {
			missing = append(missing, path)
		}
	}
	if len(missing) == 0 {
		return
	}
	logger.Debug("registering zero coverage for unloaded files", "count", len(missing))

	p := pool.New().WithMaxGoroutines(uncoveredReadConcurrency).WithContext(ctx)
	for _, path := range missing {
		path := path
		p.Go(func(ctx context.Context) error {
			code, err := os.ReadFile(path)
			if err != nil {
				msg := fmt.Sprintf("cannot read %s for zero-coverage registration: %v", path, err)
				logger.Warn(msg)
				if bus != nil {
					bus.Emit(events.Warning{Message: msg})
				}
				return nil
			}
			gate.Instrument(code, path)
			if !cov.Has(path) {
				gate.RegisterZero(path)
			}
			return nil
		})
	}
	// Individual failures were already reported as warnings.
	_ = p.Wait()
}
