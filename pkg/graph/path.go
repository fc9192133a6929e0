package graph

import (
	"net/url"
	"strings"
)

// escapePath percent-escapes every segment of a slash-separated path.
func escapePath(p string) string {
	segments := strings.Split(p, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return strings.Join(segments, "/")
}

// searchExpression renders a search(q='...') segment. Single quotes are
// doubled as OData string literals require.
func searchExpression(query string) string {
	return "search(q='" + url.PathEscape(strings.ReplaceAll(query, "'", "''")) + "')"
}

// Translate converts an S3 style prefix and optional search query into the
// path appended to a drive's root.
//
// The search query alone selects between listing children and searching;
// the prefix alone selects between the root and a sub-path. An empty or
// "/" prefix addresses the root.
func Translate(prefix string, searchQuery string) string {
	trimmed := strings.Trim(prefix, "/")

	if trimmed == "" {
		if searchQuery == "" {
			return "/children"
		}
		return "/" + searchExpression(searchQuery)
	}

	if searchQuery == "" {
		return ":/" + escapePath(trimmed) + ":/children"
	}
	return ":/" + escapePath(trimmed) + ":/" + searchExpression(searchQuery)
}

// ItemPath returns the path addressing the metadata of key. Keys naming
// the root ("" or "/") map to the root itself.
func ItemPath(key string) string {
	trimmed := strings.Trim(key, "/")
	if trimmed == "" {
		return ""
	}
	return ":/" + escapePath(trimmed)
}

// ContentPath returns the path addressing the payload of key.
func ContentPath(key string) string {
	return ":/" + escapePath(strings.Trim(key, "/")) + ":/content"
}
