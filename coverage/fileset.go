package coverage

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// FileSet is the set of absolute paths eligible for instrumentation. It is
// computed once during configuration resolution and immutable afterwards;
// membership checks are O(1).
type FileSet struct {
	members map[string]struct{}
	files   []string
}

// NewFileSet builds a set directly from absolute paths.
func NewFileSet(paths []string) *FileSet {
	s := &FileSet{members: make(map[string]struct{}, len(paths))}
	for _, p := range paths {
		p = filepath.Clean(p)
		if _, ok := s.members[p]; ok {
			continue
		}
		s.members[p] = struct{}{}
		s.files = append(s.files, p)
	}
	sort.Strings(s.files)
	return s
}

// ResolveFileSet walks root and selects files matching the glob patterns.
// Patterns apply in order to root-relative slash paths; a leading "!"
// excludes, and the last matching pattern decides. Doublestar syntax,
// e.g. "src/**/*.js" with "!src/vendor/**".
func ResolveFileSet(root string, patterns []string) (*FileSet, error) {
	for _, pattern := range patterns {
		p := strings.TrimPrefix(pattern, "!")
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid coverage pattern %q", pattern)
		}
	}

	var selected []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if matchPatterns(patterns, filepath.ToSlash(rel)) {
			selected = append(selected, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("resolving coverage files under %s: %w", root, err)
	}
	return NewFileSet(selected), nil
}

func matchPatterns(patterns []string, rel string) bool {
	included := false
	for _, pattern := range patterns {
		negate := strings.HasPrefix(pattern, "!")
		p := strings.TrimPrefix(pattern, "!")
		// Pattern validity was checked up front.
		ok, _ := doublestar.Match(p, rel)
		if ok {
			included = !negate
		}
	}
	return included
}

// Has reports membership for an absolute path.
func (s *FileSet) Has(path string) bool {
	if s == nil {
		return false
	}
	_, ok := s.members[filepath.Clean(path)]
	return ok
}

// Len returns the number of eligible files.
func (s *FileSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.members)
}

// Files returns the members in sorted order.
func (s *FileSet) Files() []string {
	if s == nil {
		return nil
	}
	return s.files
}
