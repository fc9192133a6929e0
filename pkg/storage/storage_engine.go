package storage

import "context"

// Catalog defines the read-only backend the S3 surface is served from.
// Containers play the role of buckets, and keys are slash-separated paths
// relative to the container's root.
type Catalog interface {
	// List returns the direct children of query.Prefix, or the results of a
	// search scoped to it when query.SearchQuery is set. A failed call never
	// returns a partial collection.
	List(ctx context.Context, query ListQuery) (ItemCollection, error)

	// Stat returns the metadata of the single item at address. A missing
	// item is reported with an error matching ErrNotFound.
	Stat(ctx context.Context, address ObjectAddress) (Item, error)

	// Content downloads the payload of the file at address.
	Content(ctx context.Context, address ObjectAddress) (*Content, error)
}
