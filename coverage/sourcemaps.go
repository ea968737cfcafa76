package coverage

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

var sourceMapURLPattern = regexp.MustCompile(`(?m)^//[#@]\s*sourceMappingURL=(\S+)\s*$`)

// SourceMapStore keeps the source map registered for each instrumented file
// so stack traces can later be remapped to original positions.
type SourceMapStore struct {
	mu   sync.Mutex
	maps map[string][]byte
}

func NewSourceMapStore() *SourceMapStore {
	return &SourceMapStore{maps: make(map[string][]byte)}
}

// Register stores data as the current source map for path, replacing any
// earlier registration.
func (s *SourceMapStore) Register(path string, data []byte) {
	s.mu.Lock()
	s.maps[filepath.Clean(path)] = data
	s.mu.Unlock()
}

// Lookup returns the registered source map for path.
func (s *SourceMapStore) Lookup(path string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.maps[filepath.Clean(path)]
	return data, ok
}

// Len returns the number of registered maps.
func (s *SourceMapStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.maps)
}

// ExtractSourceMap finds a pre-existing source map referenced by code. Inline
// data URLs are decoded; file references are read relative to path. Returns
// nil when there is no usable map.
func ExtractSourceMap(code []byte, path string) []byte {
	matches := sourceMapURLPattern.FindAllSubmatch(code, -1)
	if len(matches) == 0 {
		return nil
	}
	url := string(matches[len(matches)-1][1])

	if strings.HasPrefix(url, "data:") {
		idx := strings.Index(url, "base64,")
		if idx < 0 {
			return nil
		}
		decoded, err := base64.StdEncoding.DecodeString(url[idx+len("base64,"):])
		if err != nil {
			return nil
		}
		return decoded
	}

	if strings.Contains(url, "://") {
		return nil
	}
	data, err := os.ReadFile(filepath.Join(filepath.Dir(path), url))
	if err != nil {
		return nil
	}
	return data
}
