package scenario

import (
	"fmt"
	"path/filepath"
	"sort"
)

// DefaultPattern matches every scenario file in the working directory.
const DefaultPattern = "*.hurl"

// File is one discovered scenario.
type File struct {
	Path string `json:"path" yaml:"path"`
	Name string `json:"name" yaml:"name"` // base name, used in reports
}

// Discover globs pattern and returns the matches sorted lexicographically
// by path. The order is the execution order.
func Discover(pattern string) ([]File, error) {
	if pattern == "" {
		pattern = DefaultPattern
	}
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("scenario pattern %q: %w", pattern, err)
	}
	sort.Strings(matches)
	files := make([]File, 0, len(matches))
	for _, m := range matches {
		files = append(files, File{Path: m, Name: filepath.Base(m)})
	}
	return files, nil
}
