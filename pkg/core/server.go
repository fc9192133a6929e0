package core

import (
	"context"
	"encoding/xml"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"sharebucket/pkg/storage"
)

const DefaultRegion = "us-east-1"

// Server provides a read-only S3-compatible HTTP API over a storage.Catalog.
type Server struct {
	Config  Config
	started time.Time
}

// NewServer validates cfg, fills in defaults and returns a new Server.
func NewServer(cfg Config) (*Server, error) {

	if cfg.Catalog == nil {
		return nil, errors.New("a catalog is required")
	}

	if cfg.Region == "" {
		cfg.Region = DefaultRegion
	}

	if cfg.Filter == nil {
		filter, err := NewNameFilter("")
		if err != nil {
			return nil, err
		}
		cfg.Filter = filter
	}

	return &Server{Config: cfg, started: time.Now().UTC()}, nil
}

// resolveContainer maps a bucket name onto the container it serves.
func (s *Server) resolveContainer(bucket string) (string, bool) {
	if s.Config.ContainerID == "" {
		return bucket, storage.ValidateContainerID(bucket) == nil
	}

	if bucket == s.Config.ContainerID || (s.Config.Bucket != "" && bucket == s.Config.Bucket) {
		return s.Config.ContainerID, true
	}

	return "", false
}

// writeNotImplemented is a helper for stubbing unsupported S3 operations.
func (s *Server) writeNotImplemented(w http.ResponseWriter, r *http.Request, op string) {
	message := op + " is not implemented."
	writeS3Error(w, "NotImplemented", message, r.URL.Path, http.StatusNotImplemented)
}

// writeS3Error writes a minimal S3-style XML error response.
func writeS3Error(w http.ResponseWriter, code string, message string, resource string, status int) {
	w.Header().Set("Content-Type", xmlContentType)
	w.WriteHeader(status)
	_ = xml.NewEncoder(w).Encode(S3Error{
		Code:      code,
		Message:   message,
		Resource:  resource,
		RequestID: w.Header().Get(RequestIDHeader),
	})
}

// writeInternalError writes a generic S3 InternalError response.
func writeInternalError(w http.ResponseWriter, r *http.Request) {
	writeS3Error(w, "InternalError", "We encountered an internal error. Please try again.", r.URL.Path, http.StatusInternalServerError)
}

// writeNoSuchBucketError writes a generic S3 NoSuchBucket error response.
func writeNoSuchBucketError(w http.ResponseWriter, r *http.Request) {
	writeS3Error(w, "NoSuchBucket", "The specified bucket does not exist.", r.URL.Path, http.StatusNotFound)
}

// writeNoSuchKeyError writes a generic S3 NoSuchKey error response.
func writeNoSuchKeyError(w http.ResponseWriter, r *http.Request) {
	writeS3Error(w, "NoSuchKey", "The specified key does not exist.", r.URL.Path, http.StatusNotFound)
}

// writeInvalidArgumentError writes an S3 InvalidArgument error response.
func writeInvalidArgumentError(w http.ResponseWriter, r *http.Request, message string) {
	writeS3Error(w, "InvalidArgument", message, r.URL.Path, http.StatusBadRequest)
}

// writeAccessDeniedError writes a generic S3 AccessDenied error response.
func writeAccessDeniedError(w http.ResponseWriter, r *http.Request) {
	writeS3Error(w, "AccessDenied", "Access Denied", r.URL.Path, http.StatusForbidden)
}

// writeXMLResponse encodes v as XML and writes it to w with a 200 OK status.
func writeXMLResponse(w http.ResponseWriter, v any) error {
	w.Header().Set("Content-Type", xmlContentType)
	w.WriteHeader(http.StatusOK)
	return xml.NewEncoder(w).Encode(v)
}

// writeXMLBody writes an already rendered XML document with a 200 OK status.
func writeXMLBody(w http.ResponseWriter, body []byte) error {
	w.Header().Set("Content-Type", xmlContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	_, err := w.Write(body)
	return err
}

// contentDisposition returns an attachment disposition naming the file.
func contentDisposition(name string) string {
	name = strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(name)
	return `attachment; filename="` + name + `"`
}

// ------ Dispatchers for bucket-level HTTP handlers ------

// handleBucketGet implements GET /bucket[?subresource].
func (s *Server) handleBucketGet(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	containerID, ok := s.resolveContainer(bucket)
	if !ok {
		writeNoSuchBucketError(w, r)
		return
	}

	q := r.URL.Query()
	switch {
	case q.Has("location"):
		s.handleGetBucketLocation(ctx, w, r, bucket)
	case q.Has("tagging"):
		s.writeNotImplemented(w, r, "GetBucketTagging")
	case q.Has("versioning"):
		s.writeNotImplemented(w, r, "GetBucketVersioning")
	case q.Has("encryption"):
		s.writeNotImplemented(w, r, "GetBucketEncryption")
	case q.Has("cors"):
		s.writeNotImplemented(w, r, "GetBucketCors")
	case q.Has("lifecycle"):
		s.writeNotImplemented(w, r, "GetBucketLifecycleConfiguration")
	case q.Has("policy"):
		s.writeNotImplemented(w, r, "GetBucketPolicy")
	case q.Has("versions"):
		s.writeNotImplemented(w, r, "ListObjectVersions")
	case q.Has("uploads"):
		s.writeNotImplemented(w, r, "ListMultipartUploads")
	default:
		// ListObjects and ListObjectsV2 share one unpaginated response.
		s.handleListObjects(ctx, w, r, bucket, containerID)
	}
}

// handleBucketHead implements HEAD /bucket.
func (s *Server) handleBucketHead(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	containerID, ok := s.resolveContainer(bucket)
	if !ok {
		writeNoSuchBucketError(w, r)
		return
	}

	item, err := s.Config.Catalog.Stat(ctx, storage.ObjectAddress{ContainerID: containerID, Key: "/"})
	switch {
	case storage.IsNotFound(err):
		writeNoSuchBucketError(w, r)
		return
	case err != nil:
		slog.Error("Bucket head", "bucket", bucket, "err", err)
		writeInternalError(w, r)
		return
	case item.Kind() != storage.KindFolder:
		writeNoSuchBucketError(w, r)
		return
	}

	// S3-compatible HEAD bucket: 200 with no body.
	w.WriteHeader(http.StatusOK)
}

// ------ Dispatchers for object-level HTTP handlers ------

// handleObjectGet implements GET /bucket/key to retrieve an object. An
// empty key is the bucket itself, which is how path-style clients list.
func (s *Server) handleObjectGet(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if key == "" {
		s.handleBucketGet(ctx, w, r, bucket)
		return
	}

	containerID, ok := s.resolveContainer(bucket)
	if !ok {
		writeNoSuchBucketError(w, r)
		return
	}

	q := r.URL.Query()
	switch {
	case q.Has("tagging"):
		s.writeNotImplemented(w, r, "GetObjectTagging")
	case q.Has("attributes"):
		s.writeNotImplemented(w, r, "GetObjectAttributes")
	case q.Has("uploadId"):
		s.writeNotImplemented(w, r, "ListParts")
	default:
		s.handleGetObject(ctx, w, r, storage.ObjectAddress{ContainerID: containerID, Key: key})
	}
}

// handleObjectHead implements HEAD /bucket/key.
func (s *Server) handleObjectHead(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if key == "" {
		s.handleBucketHead(ctx, w, r, bucket)
		return
	}

	containerID, ok := s.resolveContainer(bucket)
	if !ok {
		writeNoSuchBucketError(w, r)
		return
	}

	addr := storage.ObjectAddress{ContainerID: containerID, Key: key}
	res, item, err := s.headObject(ctx, addr)
	if err != nil {
		slog.Error("Head object", "bucket", bucket, "key", key, "err", err)
		writeInternalError(w, r)
		return
	}

	writeHeadResult(w, res, item, "Content-Length")
}

// headObject probes the catalog for addr and resolves the synthetic HEAD
// response. Only failed lookups are returned as errors; a missing item is
// part of the result.
func (s *Server) headObject(ctx context.Context, addr storage.ObjectAddress) (HeadResult, *storage.Item, error) {
	if storage.ValidateKey(addr.Key) != nil {
		return ResolveHead(addr.Key, nil, s.Config.Filter), nil, nil
	}

	item, err := s.Config.Catalog.Stat(ctx, addr)

	var found *storage.Item
	switch {
	case err == nil:
		found = &item
	case storage.IsNotFound(err):
	default:
		return HeadResult{}, nil, err
	}

	return ResolveHead(addr.Key, found, s.Config.Filter), found, nil
}

// writeHeadResult writes the headers of a resolved HEAD response. The size
// goes into lengthHeader, which is Content-Length unless the response
// carries a body of its own.
func writeHeadResult(w http.ResponseWriter, res HeadResult, item *storage.Item, lengthHeader string) {
	contentType := res.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set(lengthHeader, strconv.FormatUint(res.Size, 10))

	if res.StatusCode == http.StatusOK && item != nil {
		if item.ETag != "" {
			w.Header().Set("ETag", item.ETag)
		}
		if modifiedAt, ok := item.LastModifiedTime(); ok {
			w.Header().Set("Last-Modified", modifiedAt.UTC().Format(http.TimeFormat))
		}
	}

	w.WriteHeader(res.StatusCode)
}

// handleGetObject streams the content of a single file.
func (s *Server) handleGetObject(ctx context.Context, w http.ResponseWriter, r *http.Request, addr storage.ObjectAddress) {
	if addr.IsDirectory() || storage.ValidateKey(addr.Key) != nil {
		writeNoSuchKeyError(w, r)
		return
	}

	if !s.Config.Filter.Matches(addr.FileName()) {
		writeAccessDeniedError(w, r)
		return
	}

	content, err := s.Config.Catalog.Content(ctx, addr)
	switch {
	case storage.IsNotFound(err):
		writeNoSuchKeyError(w, r)
		return
	case err != nil:
		slog.Error("Get object", "container", addr.ContainerID, "key", addr.Key, "err", err)
		writeInternalError(w, r)
		return
	}

	writeContent(w, content)
}

// writeContent writes a downloaded payload with its metadata headers.
func writeContent(w http.ResponseWriter, content *storage.Content) {
	w.Header().Set("Content-Type", content.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(content.Data)))
	w.Header().Set("Content-Disposition", contentDisposition(content.FileName))
	if content.ETag != "" {
		w.Header().Set("ETag", content.ETag)
	}
	if content.LastModified != "" {
		w.Header().Set("Last-Modified", content.LastModified)
	}

	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(content.Data); err != nil {
		slog.Error("Stream object", "file", content.FileName, "err", err)
	}
}

// handleGetBucketLocation implements GET /bucket?location
func (s *Server) handleGetBucketLocation(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	resp := LocationConstraint{
		XMLNS:  S3XMLNamespace,
		Region: s.Config.Region,
	}

	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode bucket location XML", "bucket", bucket, "err", err)
	}
}

// handleListBuckets implements GET / and reports the configured bucket, if
// any.
func (s *Server) handleListBuckets(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	buckets := make([]ListAllMyBucketsEntry, 0, 1)
	if s.Config.ContainerID != "" {
		name := s.Config.Bucket
		if name == "" {
			name = s.Config.ContainerID
		}
		buckets = append(buckets, ListAllMyBucketsEntry{
			Name:         name,
			CreationDate: s.started.Format(time.RFC3339),
		})
	}

	resp := ListAllMyBucketsResult{
		XMLNS: S3XMLNamespace,
		Owner: ListAllMyBucketsOwner{
			ID:          "sharebucket",
			DisplayName: "sharebucket",
		},
		Buckets: buckets,
	}

	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode list buckets XML", "err", err)
	}
}

// handleListObjects implements S3 ListObjects and ListObjectsV2:
// GET /bucket[?prefix=&max-keys=&delimiter=&search=].
//
// Only the folder named by prefix is listed; delimiter "/" reports its
// subfolders as common prefixes. search is an extension that switches to a
// remote search scoped to prefix.
func (s *Server) handleListObjects(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, containerID string) {
	q := r.URL.Query()

	query := storage.ListQuery{
		ContainerID: containerID,
		Prefix:      q.Get("prefix"),
		MaxKeys:     MaxKeys,
		SearchQuery: q.Get("search"),
	}
	if query.Prefix == "" {
		query.Prefix = "/"
	}
	if err := storage.ValidateKey(query.Prefix); err != nil {
		writeInvalidArgumentError(w, r, "The prefix must not contain . or .. segments.")
		return
	}
	if raw := q.Get("max-keys"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			query.MaxKeys = v
		}
	}

	s.writeListing(ctx, w, r, bucket, query, q.Get("delimiter") == "/")
}

// writeListing runs query against the catalog and writes the rendered
// ListBucketResult. A prefix that does not exist lists as empty.
func (s *Server) writeListing(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, query storage.ListQuery, includeCommonPrefixes bool) {
	items, err := s.Config.Catalog.List(ctx, query)

	var body []byte
	switch {
	case storage.IsNotFound(err):
		body, err = RenderEmptyListBucketResult(bucket, query.Prefix)
	case err != nil:
		slog.Error("List objects", "bucket", bucket, "prefix", query.Prefix, "err", err)
		writeInternalError(w, r)
		return
	default:
		body, err = RenderListBucketResult(bucket, query.Prefix, items, includeCommonPrefixes, s.Config.Filter)
	}

	if err != nil {
		slog.Error("Render list objects XML", "bucket", bucket, "err", err)
		writeInternalError(w, r)
		return
	}

	if err := writeXMLBody(w, body); err != nil {
		slog.Error("Write list objects XML", "bucket", bucket, "err", err)
	}
}
