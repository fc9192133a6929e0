package core

import (
	"fmt"
	"regexp"

	"sharebucket/pkg/storage"
)

// NameFilter decides which file names are exposed. It is compiled once
// from configuration and shared read-only between requests.
//
// Matching is applied to the raw name; case-insensitive matching must be
// expressed in the pattern itself, e.g. `(?i)\.pdf$`.
type NameFilter struct {
	pattern *regexp.Regexp
}

// NewNameFilter compiles pattern. An empty pattern matches every name.
func NewNameFilter(pattern string) (*NameFilter, error) {
	if pattern == "" {
		return &NameFilter{}, nil
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile filename pattern %q: %w", pattern, err)
	}

	return &NameFilter{pattern: re}, nil
}

// Matches reports whether name passes the filter. A nil filter matches
// everything.
func (f *NameFilter) Matches(name string) bool {
	if f == nil || f.pattern == nil {
		return true
	}
	return f.pattern.MatchString(name)
}

// IncludeContent reports whether item is listed as an object. Only files
// are objects; folders are listed as common prefixes and are never
// subject to the pattern.
func (f *NameFilter) IncludeContent(item storage.Item) bool {
	return item.Kind() == storage.KindFile && f.Matches(item.Name)
}

func (f *NameFilter) String() string {
	if f == nil || f.pattern == nil {
		return ""
	}
	return f.pattern.String()
}
