package coverage

import (
	"fmt"

	"github.com/ethereum/go-ethereum/log"

	"github.com/gantrylabs/gantry/events"
)

// Instrumenter rewrites source so its execution records per-file hit counts.
// The rewriting algorithm itself is external to this package.
type Instrumenter interface {
	// Instrument rewrites code for path. sourceMap carries any pre-existing
	// map for the file, or nil.
	Instrument(code []byte, path string, sourceMap []byte) (*Instrumented, error)
}

// Instrumented is the product of one instrumentation call.
type Instrumented struct {
	Code      []byte
	Baseline  *Record
	SourceMap []byte
}

// Gate decides which files get instrumented and applies the instrumentation
// operation. Failures never abort execution: the original source is returned
// and a warning event is emitted instead.
type Gate struct {
	set  *FileSet
	inst Instrumenter
	cov  *Map
	maps *SourceMapStore
	bus  *events.Bus
	log  log.Logger
}

func NewGate(set *FileSet, inst Instrumenter, cov *Map, maps *SourceMapStore, bus *events.Bus, logger log.Logger) *Gate {
	if logger == nil {
		logger = log.Root()
	}
	return &Gate{
		set:  set,
		inst: inst,
		cov:  cov,
		maps: maps,
		bus:  bus,
		log:  logger,
	}
}

// Eligible reports whether path is a member of the coverage file set.
func (g *Gate) Eligible(path string) bool {
	return g.set.Has(path)
}

// Instrument applies the instrumentation operation to code: register any
// pre-existing source map, rewrite through the instrumenter, merge the
// coverage baseline into the run-wide map, and register the rewritten map.
// On failure the original source comes back and execution proceeds.
func (g *Gate) Instrument(code []byte, path string) []byte {
	existingMap := ExtractSourceMap(code, path)
	if existingMap != nil {
		g.maps.Register(path, existingMap)
	}

	if g.inst == nil {
		return code
	}

	res, err := g.inst.Instrument(code, path, existingMap)
	if err != nil {
		g.warn(fmt.Sprintf("instrumentation failed for %s: %v", path, err))
		return code
	}

	if res.Baseline != nil {
		g.cov.MergeFile(path, res.Baseline)
	}
	if res.SourceMap != nil {
		g.maps.Register(path, res.SourceMap)
	}
	return res.Code
}

// RegisterZero records path in the coverage map with zero counts. Used for
// eligible files that were never loaded during the run.
func (g *Gate) RegisterZero(path string) {
	g.cov.MergeFile(path, NewRecord())
}

func (g *Gate) warn(msg string) {
	g.log.Warn(msg)
	if g.bus != nil {
		g.bus.Emit(events.Warning{Message: msg})
	}
}
