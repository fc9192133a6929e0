package storage

import (
	"fmt"
	"strings"
	"time"
)

// Kind classifies an Item as a folder or a file.
type Kind int

const (
	// KindUnknown marks items carrying neither or both facets. They are
	// never rendered.
	KindUnknown Kind = iota
	KindFolder
	KindFile
)

func (k Kind) String() string {
	switch k {
	case KindFolder:
		return "folder"
	case KindFile:
		return "file"
	default:
		return "unknown"
	}
}

// AccessToken is a bearer token for the remote API together with the
// instant it stops being valid.
type AccessToken struct {
	Value     string
	ExpiresAt time.Time
}

// Valid reports whether the token can still be used at now.
func (t AccessToken) Valid(now time.Time) bool {
	return t.Value != "" && now.Before(t.ExpiresAt)
}

// FolderFacet is present on items that are folders.
type FolderFacet struct {
	ChildCount uint32
}

// FileFacet is present on items that are files.
type FileFacet struct {
	MimeType string
}

// Item is the normalized representation of a remote file or folder.
//
// Timestamps and the ETag are kept exactly as the remote API returned them
// so that listings render byte-for-byte what the remote reported. Empty
// strings mean the remote omitted the field.
type Item struct {
	ID             string
	Name           string
	WebURL         string
	CreatedAt      string
	LastModifiedAt string
	ETag           string
	Size           *uint64
	Folder         *FolderFacet
	File           *FileFacet
}

// Kind reports which facet the item carries.
func (i Item) Kind() Kind {
	switch {
	case i.Folder != nil && i.File == nil:
		return KindFolder
	case i.File != nil && i.Folder == nil:
		return KindFile
	default:
		return KindUnknown
	}
}

// SizeOrZero returns the item's size, or 0 when the remote omitted it.
func (i Item) SizeOrZero() uint64 {
	if i.Size == nil {
		return 0
	}
	return *i.Size
}

// MimeType returns the file's content type, or "" for non-files.
func (i Item) MimeType() string {
	if i.File == nil {
		return ""
	}
	return i.File.MimeType
}

// LastModifiedTime parses LastModifiedAt. The second result is false when
// the timestamp is absent or malformed.
func (i Item) LastModifiedTime() (time.Time, bool) {
	if i.LastModifiedAt == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, i.LastModifiedAt)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// ItemCollection is the ordered result of a single catalog call.
type ItemCollection []Item

// ListQuery is the normalized form of an inbound list or search request.
type ListQuery struct {
	ContainerID string
	Prefix      string
	MaxKeys     int
	// SearchQuery selects search mode when non-empty.
	SearchQuery string
}

// ObjectAddress identifies a single key within a container.
type ObjectAddress struct {
	ContainerID string
	Key         string
}

// FileName returns the trailing path segment of the key.
func (a ObjectAddress) FileName() string {
	key := a.Key
	if idx := strings.LastIndexByte(key, '/'); idx != -1 {
		return key[idx+1:]
	}
	return key
}

// IsDirectory reports whether the key addresses a folder, i.e. ends in a
// slash or names the container root.
func (a ObjectAddress) IsDirectory() bool {
	return a.Key == "" || strings.HasSuffix(a.Key, "/")
}

// ValidateKey rejects keys and prefixes that contain a "." or ".."
// segment. Such segments would be resolved by the remote against the
// request URL and could leave the container.
func ValidateKey(key string) error {
	for _, segment := range strings.Split(key, "/") {
		if segment == "." || segment == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}

// ValidateContainerID rejects container ids that are empty or consist of
// a single dot segment.
func ValidateContainerID(containerID string) error {
	switch containerID {
	case "", ".", "..":
		return fmt.Errorf("%w: container %q", ErrInvalidKey, containerID)
	}
	return nil
}

// Content is a downloaded object payload.
type Content struct {
	Data        []byte
	ContentType string
	// FileName is the display name used for Content-Disposition.
	FileName string
	// ETag and LastModified are passed through from the remote response
	// when present.
	ETag         string
	LastModified string
}
