package core

import (
	"net/http"
	"strings"

	"sharebucket/pkg/storage"
)

const xmlContentType = "application/xml"

// HeadResult is the synthetic response to a HEAD request.
type HeadResult struct {
	StatusCode  int
	ContentType string
	Size        uint64
}

// ResolveHead derives the HEAD response for key from the item the catalog
// returned for it. A nil item means the catalog reported the key missing;
// failed lookups must be handled by the caller and never reach here.
//
// A key ending in "/" (or the empty key, which names the root) asks for a
// folder. Any other key asks for a file, which must also pass filter.
func ResolveHead(key string, item *storage.Item, filter *NameFilter) HeadResult {
	notFound := HeadResult{StatusCode: http.StatusNotFound, ContentType: xmlContentType}

	kind := storage.KindUnknown
	if item != nil {
		kind = item.Kind()
	}

	if key == "" || strings.HasSuffix(key, "/") {
		if kind == storage.KindFolder {
			return HeadResult{StatusCode: http.StatusOK, ContentType: xmlContentType}
		}
		return notFound
	}

	if kind != storage.KindFile {
		return notFound
	}

	if !filter.Matches(item.Name) {
		return HeadResult{StatusCode: http.StatusForbidden, ContentType: xmlContentType}
	}

	return HeadResult{
		StatusCode:  http.StatusOK,
		ContentType: item.MimeType(),
		Size:        item.SizeOrZero(),
	}
}
