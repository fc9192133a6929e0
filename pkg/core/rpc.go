package core

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"sharebucket/pkg/storage"
)

// The RPC routes accept a JSON body instead of an S3 request line. Errors
// are reported as plain text.

const maxRPCBodyBytes = 1 << 20

// ObjectSizeHeader carries the object size on POST /headObject, whose
// response has an empty body.
const ObjectSizeHeader = "X-Object-Size"

type listObjectsRequest struct {
	Bucket      string  `json:"bucket"`
	Prefix      *string `json:"prefix"`
	MaxKeys     *int    `json:"max_keys"`
	SearchQuery *string `json:"search_query"`
}

type objectRequest struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

// decodeRPC reads a JSON request body into v.
func decodeRPC(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRPCBodyBytes))
	if err := dec.Decode(v); err != nil {
		return err
	}
	return nil
}

// writeRPCError maps err onto a plain text error response.
func writeRPCError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrInvalidKey):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, storage.ErrForbidden):
		http.Error(w, err.Error(), http.StatusForbidden)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// handleStatus implements GET /status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "OK")
}

// handleRPCListObjects implements POST /listObjectsV2. Common prefixes are
// reported only for searches.
func (s *Server) handleRPCListObjects(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	var req listObjectsRequest
	if err := decodeRPC(r, &req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	containerID, ok := s.resolveContainer(req.Bucket)
	if !ok {
		http.Error(w, "no such bucket: "+req.Bucket, http.StatusNotFound)
		return
	}

	query := storage.ListQuery{
		ContainerID: containerID,
		Prefix:      "/",
		MaxKeys:     MaxKeys,
	}
	if req.Prefix != nil {
		query.Prefix = *req.Prefix
	}
	if req.MaxKeys != nil && *req.MaxKeys > 0 {
		query.MaxKeys = *req.MaxKeys
	}
	if req.SearchQuery != nil {
		query.SearchQuery = *req.SearchQuery
	}
	if err := storage.ValidateKey(query.Prefix); err != nil {
		writeRPCError(w, err)
		return
	}

	items, err := s.Config.Catalog.List(ctx, query)
	if err != nil {
		slog.Error("RPC list objects", "bucket", req.Bucket, "prefix", query.Prefix, "err", err)
		writeRPCError(w, err)
		return
	}

	body, err := RenderListBucketResult(req.Bucket, query.Prefix, items, query.SearchQuery != "", s.Config.Filter)
	if err != nil {
		slog.Error("Render list objects XML", "bucket", req.Bucket, "err", err)
		writeRPCError(w, err)
		return
	}

	if err := writeXMLBody(w, body); err != nil {
		slog.Error("Write list objects XML", "bucket", req.Bucket, "err", err)
	}
}

// handleRPCGetObject implements POST /getObject.
func (s *Server) handleRPCGetObject(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	var req objectRequest
	if err := decodeRPC(r, &req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	containerID, ok := s.resolveContainer(req.Bucket)
	if !ok {
		http.Error(w, "no such bucket: "+req.Bucket, http.StatusNotFound)
		return
	}

	addr := storage.ObjectAddress{ContainerID: containerID, Key: req.Key}
	if err := storage.ValidateKey(addr.Key); err != nil {
		writeRPCError(w, err)
		return
	}
	if !s.Config.Filter.Matches(addr.FileName()) {
		writeRPCError(w, storage.ErrForbidden)
		return
	}

	content, err := s.Config.Catalog.Content(ctx, addr)
	if err != nil {
		slog.Error("RPC get object", "bucket", req.Bucket, "key", req.Key, "err", err)
		writeRPCError(w, err)
		return
	}

	writeContent(w, content)
}

// handleRPCHeadObject implements POST /headObject. It answers with the
// synthetic HEAD status and headers and no body.
func (s *Server) handleRPCHeadObject(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	var req objectRequest
	if err := decodeRPC(r, &req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	containerID, ok := s.resolveContainer(req.Bucket)
	if !ok {
		http.Error(w, "no such bucket: "+req.Bucket, http.StatusNotFound)
		return
	}

	if err := storage.ValidateKey(req.Key); err != nil {
		writeRPCError(w, err)
		return
	}

	res, item, err := s.headObject(ctx, storage.ObjectAddress{ContainerID: containerID, Key: req.Key})
	if err != nil {
		slog.Error("RPC head object", "bucket", req.Bucket, "key", req.Key, "err", err)
		writeRPCError(w, err)
		return
	}

	writeHeadResult(w, res, item, ObjectSizeHeader)
}
