package graph_test

import (
	"strings"
	"testing"

	"sharebucket/pkg/graph"

	"github.com/stretchr/testify/require"
)

func TestTranslate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		prefix string
		query  string
		want   string
	}{
		{name: "root children", prefix: "/", query: "", want: "/children"},
		{name: "empty prefix children", prefix: "", query: "", want: "/children"},
		{name: "root search", prefix: "/", query: "report", want: "/search(q='report')"},
		{name: "empty prefix search", prefix: "", query: "report", want: "/search(q='report')"},
		{name: "sub-path children", prefix: "docs", query: "", want: ":/docs:/children"},
		{name: "sub-path trimmed", prefix: "/docs/2024/", query: "", want: ":/docs/2024:/children"},
		{name: "sub-path search", prefix: "/docs/", query: "budget", want: ":/docs:/search(q='budget')"},
		{name: "escaped segments", prefix: "My Docs/Q1", query: "", want: ":/My%20Docs/Q1:/children"},
		{name: "quote in query", prefix: "", query: "it's", want: "/search(q='it%27%27s')"},
		{name: "space in query", prefix: "a", query: "two words", want: ":/a:/search(q='two%20words')"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, graph.Translate(tc.prefix, tc.query))
		})
	}
}

// Search mode and root addressing are independent: adding a query never
// changes whether the root or a sub-path is addressed.
func TestTranslateAxesAreIndependent(t *testing.T) {
	t.Parallel()

	prefixes := []string{"", "/", "//", "docs", "/docs/", "a/b/c", "/a/b/c/"}
	queries := []string{"x", "report 2024", "it's"}

	for _, prefix := range prefixes {
		children := graph.Translate(prefix, "")
		require.True(t, strings.HasSuffix(children, "children"), "prefix %q", prefix)

		isRoot := strings.Trim(prefix, "/") == ""
		require.Equal(t, isRoot, strings.HasPrefix(children, "/"), "prefix %q root selection", prefix)

		for _, query := range queries {
			search := graph.Translate(prefix, query)
			require.Contains(t, search, "search(q='", "prefix %q query %q", prefix, query)
			require.Equal(t, isRoot, strings.HasPrefix(search, "/"), "prefix %q query %q root selection", prefix, query)

			base := strings.TrimSuffix(children, "children")
			require.True(t, strings.HasPrefix(search, base), "search %q should share base %q", search, base)
		}
	}
}

func TestItemAndContentPaths(t *testing.T) {
	t.Parallel()

	require.Equal(t, "", graph.ItemPath(""))
	require.Equal(t, "", graph.ItemPath("/"))
	require.Equal(t, ":/docs", graph.ItemPath("docs/"))
	require.Equal(t, ":/docs/a%20b.txt", graph.ItemPath("docs/a b.txt"))

	require.Equal(t, ":/docs/report.pdf:/content", graph.ContentPath("docs/report.pdf"))
	require.Equal(t, ":/report.pdf:/content", graph.ContentPath("/report.pdf"))
}
