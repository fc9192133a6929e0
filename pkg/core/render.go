package core

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"

	"sharebucket/pkg/storage"
)

const (
	// MaxKeys is reported in every listing. Listings are never paginated.
	MaxKeys = 1000

	storageClassStandard = "STANDARD"
)

// RenderListBucketResult renders one catalog listing as a ListBucketResult
// document, XML declaration included.
//
// Folders become common prefixes when includeCommonPrefixes is set and are
// otherwise dropped. Files that pass filter become Contents. A listing of
// anything below the root starts its Contents with a zero-size marker entry
// for the prefix itself, which is how S3 tools recognize a folder.
//
// Rendering is deterministic: the same arguments always yield the same
// bytes.
func RenderListBucketResult(bucket string, prefix string, items storage.ItemCollection, includeCommonPrefixes bool, filter *NameFilter) ([]byte, error) {
	trimmed := strings.Trim(prefix, "/")
	result := newListBucketResult(bucket, trimmed)

	if includeCommonPrefixes {
		for _, item := range items {
			if item.Kind() != storage.KindFolder {
				continue
			}
			result.CommonPrefixes = append(result.CommonPrefixes, CommonPrefix{
				Prefix: joinKey(trimmed, item.Name) + "/",
			})
		}
	}

	if trimmed != "" {
		result.Contents = append(result.Contents, ObjectSummary{Key: trimmed + "/"})
	}

	for _, item := range items {
		if !filter.IncludeContent(item) {
			continue
		}

		lastModified := item.LastModifiedAt
		etag := item.ETag
		storageClass := storageClassStandard
		result.Contents = append(result.Contents, ObjectSummary{
			Key:          joinKey(trimmed, item.Name),
			Size:         item.SizeOrZero(),
			LastModified: &lastModified,
			ETag:         &etag,
			StorageClass: &storageClass,
		})
	}

	return encodeListBucketResult(result)
}

// RenderEmptyListBucketResult renders a listing of a prefix that does not
// exist. Unlike an empty folder it carries no marker entry.
func RenderEmptyListBucketResult(bucket string, prefix string) ([]byte, error) {
	return encodeListBucketResult(newListBucketResult(bucket, strings.Trim(prefix, "/")))
}

func newListBucketResult(bucket string, trimmed string) ListBucketResult {
	return ListBucketResult{
		XMLNS:       S3XMLNamespace,
		Name:        bucket,
		Prefix:      directoryKey(trimmed),
		IsTruncated: false,
		MaxKeys:     MaxKeys,
		Marker:      "",
	}
}

func encodeListBucketResult(result ListBucketResult) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	if err := xml.NewEncoder(&buf).Encode(result); err != nil {
		return nil, fmt.Errorf("encode list bucket result: %w", err)
	}
	return buf.Bytes(), nil
}

// directoryKey returns the S3 form of a folder path: "" for the root and
// "path/" otherwise.
func directoryKey(trimmed string) string {
	if trimmed == "" {
		return ""
	}
	return trimmed + "/"
}

func joinKey(dir string, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}
