// Package coverage accumulates per-file hit counts from every origin of a
// run and gates which source files get instrumented on the way to execution.
package coverage

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Record holds accumulated hit counts for one file, keyed the way
// istanbul-style instrumenters emit them: statement, branch, and function
// counters by numeric id.
type Record struct {
	Statements map[string]int64   `json:"s"`
	Branches   map[string][]int64 `json:"b"`
	Functions  map[string]int64   `json:"f"`
}

// NewRecord returns an empty record, i.e. zero coverage.
func NewRecord() *Record {
	return &Record{
		Statements: make(map[string]int64),
		Branches:   make(map[string][]int64),
		Functions:  make(map[string]int64),
	}
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	out := NewRecord()
	out.Merge(r)
	return out
}

// Merge adds other's counts into r. Addition is per key, so merging the same
// file twice accumulates rather than overwrites, and merge order never
// changes the result.
func (r *Record) Merge(other *Record) {
	if other == nil {
		return
	}
	if r.Statements == nil {
		r.Statements = make(map[string]int64)
	}
	if r.Branches == nil {
		r.Branches = make(map[string][]int64)
	}
	if r.Functions == nil {
		r.Functions = make(map[string]int64)
	}
	for id, n := range other.Statements {
		r.Statements[id] += n
	}
	for id, n := range other.Functions {
		r.Functions[id] += n
	}
	for id, counts := range other.Branches {
		existing := r.Branches[id]
		if len(counts) > len(existing) {
			grown := make([]int64, len(counts))
			copy(grown, existing)
			existing = grown
		}
		for i, n := range counts {
			existing[i] += n
		}
		r.Branches[id] = existing
	}
}

// Report maps absolute file paths to their coverage records.
type Report map[string]*Record

// ParseReport decodes a JSON coverage payload. Extra per-file keys such as
// statement maps are ignored; only the counters matter for aggregation.
func ParseReport(data []byte) (Report, error) {
	var out Report
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("invalid coverage payload: %w", err)
	}
	return out, nil
}

// Merge folds other into r file by file.
func (r Report) Merge(other Report) {
	for path, rec := range other {
		r.MergeFile(path, rec)
	}
}

// MergeFile adds rec's counts to the entry for path.
func (r Report) MergeFile(path string, rec *Record) {
	existing, ok := r[path]
	if !ok {
		existing = NewRecord()
		r[path] = existing
	}
	existing.Merge(rec)
}

// Clone returns a deep copy.
func (r Report) Clone() Report {
	out := make(Report, len(r))
	for path, rec := range r {
		out[path] = rec.Clone()
	}
	return out
}

// Files returns the covered paths in sorted order.
func (r Report) Files() []string {
	out := make([]string, 0, len(r))
	for path := range r {
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}

// Stats summarizes a report for display.
type Stats struct {
	Files             int
	Statements        int
	CoveredStatements int
	Functions         int
	CoveredFunctions  int
}

// Stats counts covered and total statements and functions across all files.
func (r Report) Stats() Stats {
	s := Stats{Files: len(r)}
	for _, rec := range r {
		for _, n := range rec.Statements {
			s.Statements++
			if n > 0 {
				s.CoveredStatements++
			}
		}
		for _, n := range rec.Functions {
			s.Functions++
			if n > 0 {
				s.CoveredFunctions++
			}
		}
	}
	return s
}

// StatementPercent returns covered statements as a percentage, or 100 when
// there is nothing to cover.
func (s Stats) StatementPercent() float64 {
	if s.Statements == 0 {
		return 100
	}
	return float64(s.CoveredStatements) / float64(s.Statements) * 100
}

// Map is the run-wide coverage accumulation: the single sink every origin
// merges into, local and remote alike.
type Map struct {
	mu    sync.Mutex
	files Report
}

// NewMap creates an empty coverage map for one run.
func NewMap() *Map {
	return &Map{files: make(Report)}
}

// Merge folds an entire report into the map.
func (m *Map) Merge(r Report) {
	m.mu.Lock()
	m.files.Merge(r)
	m.mu.Unlock()
}

// MergeFile adds one file's counts.
func (m *Map) MergeFile(path string, rec *Record) {
	m.mu.Lock()
	m.files.MergeFile(path, rec)
	m.mu.Unlock()
}

// MergeJSON parses and merges a raw coverage payload, typically one posted
// back by a remote session.
func (m *Map) MergeJSON(data []byte) error {
	r, err := ParseReport(data)
	if err != nil {
		return err
	}
	m.Merge(r)
	return nil
}

// Has reports whether path has any record, including a zero one.
func (m *Map) Has(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[path]
	return ok
}

// Len returns the number of files with records.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.files)
}

// Snapshot returns a deep copy of the accumulated report.
func (m *Map) Snapshot() Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.files.Clone()
}
