package core

import (
	"net/http"
)

// Handler returns an http.Handler implementing the read-only S3 API and
// the JSON RPC routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// List all buckets
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		s.handleListBuckets(ctx, w, r)
	})

	// RPC routes
	mux.HandleFunc("POST /listObjectsV2", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		s.handleRPCListObjects(ctx, w, r)
	})
	mux.HandleFunc("POST /getObject", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		s.handleRPCGetObject(ctx, w, r)
	})
	mux.HandleFunc("POST /headObject", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		s.handleRPCHeadObject(ctx, w, r)
	})

	// Bucket-level operations
	mux.HandleFunc("GET /{bucket}", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		bucket := r.PathValue("bucket")
		s.handleBucketGet(ctx, w, r, bucket)
	})
	mux.HandleFunc("HEAD /{bucket}", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		bucket := r.PathValue("bucket")
		s.handleBucketHead(ctx, w, r, bucket)
	})
	mux.HandleFunc("PUT /{bucket}", func(w http.ResponseWriter, r *http.Request) {
		s.writeNotImplemented(w, r, "CreateBucket")
	})
	mux.HandleFunc("DELETE /{bucket}", func(w http.ResponseWriter, r *http.Request) {
		s.writeNotImplemented(w, r, "DeleteBucket")
	})
	mux.HandleFunc("POST /{bucket}", func(w http.ResponseWriter, r *http.Request) {
		s.writeNotImplemented(w, r, "DeleteObjects")
	})

	// Object-level operations
	mux.HandleFunc("GET /{bucket}/{key...}", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		bucket := r.PathValue("bucket")
		key := r.PathValue("key")
		s.handleObjectGet(ctx, w, r, bucket, key)
	})
	mux.HandleFunc("HEAD /{bucket}/{key...}", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		bucket := r.PathValue("bucket")
		key := r.PathValue("key")
		s.handleObjectHead(ctx, w, r, bucket, key)
	})
	mux.HandleFunc("PUT /{bucket}/{key...}", func(w http.ResponseWriter, r *http.Request) {
		s.writeNotImplemented(w, r, "PutObject")
	})
	mux.HandleFunc("DELETE /{bucket}/{key...}", func(w http.ResponseWriter, r *http.Request) {
		s.writeNotImplemented(w, r, "DeleteObject")
	})
	mux.HandleFunc("POST /{bucket}/{key...}", func(w http.ResponseWriter, r *http.Request) {
		s.writeNotImplemented(w, r, "ObjectPost")
	})

	// Signatures cover the path as sent, so slashes are collapsed only
	// once the request is authenticated. Health checks skip both.
	authenticated := s.RequireAuthentication(s.SlashFix(mux))
	root := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/status" && (r.Method == http.MethodGet || r.Method == http.MethodHead) {
			s.handleStatus(w, r)
			return
		}
		authenticated.ServeHTTP(w, r)
	})

	// Add middleware
	handler := s.LogRequest(root)
	if s.Config.Metrics != nil {
		handler = s.Config.Metrics.Middleware(handler)
	}
	handler = s.RequestID(handler)
	handler = s.Recoverer(handler)
	return handler
}
