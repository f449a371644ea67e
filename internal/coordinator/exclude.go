package coordinator

import (
	"bufio"
	"fmt"
	"os"
	"path"
	"strings"
)

// TableFilter matches table names against glob patterns. Matching is
// case-insensitive because SQLite identifiers are.
type TableFilter struct {
	patterns []string
}

// NewTableFilter creates a TableFilter from raw pattern strings.
// Blank lines and lines starting with '#' are skipped.
func NewTableFilter(rawPatterns []string) (*TableFilter, error) {
	var patterns []string
	for _, raw := range rawPatterns {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		p := strings.ToLower(raw)
		if _, err := path.Match(p, ""); err != nil {
			return nil, fmt.Errorf("invalid table pattern %q: %w", raw, err)
		}
		patterns = append(patterns, p)
	}
	return &TableFilter{patterns: patterns}, nil
}

// Match reports whether table is excluded.
func (f *TableFilter) Match(table string) bool {
	if f == nil {
		return false
	}
	name := strings.ToLower(table)
	for _, p := range f.patterns {
		// Patterns were validated by NewTableFilter.
		if ok, _ := path.Match(p, name); ok {
			return true
		}
	}
	return false
}

// ReadPatternFile reads one table pattern per line.
// Returns nil and no error if the file does not exist.
func ReadPatternFile(name string) ([]string, error) {
	f, err := os.Open(name)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening pattern file: %w", err)
	}
	defer f.Close()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		patterns = append(patterns, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading pattern file: %w", err)
	}
	return patterns, nil
}
