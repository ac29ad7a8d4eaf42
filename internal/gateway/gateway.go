// Package gateway serves the /v1/{account}/{container}/{object} storage
// API against any S3-compatible store. One gateway fronts one account,
// whose containers live as key prefixes inside a single backing bucket;
// because credentials bind the gateway to that account, cross-account
// copies are not supported and the capability is reported off.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"undelete/internal/backend"
)

// markerPrefix is where zero-byte container markers live inside the
// backing bucket. It starts with a byte no container key prefix can
// produce, so markers never collide with object keys.
const markerPrefix = ".containers/"

// Config configures the S3 gateway.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool

	// Bucket is the backing bucket holding every container of the
	// account. It is created on startup if absent.
	Bucket string

	// Account is the single v1 account this gateway serves.
	Account string
}

// Server translates v1 storage API requests into S3 calls.
type Server struct {
	cfg    Config
	client *minio.Client
}

// NewServer connects to the S3 endpoint and ensures the backing bucket
// exists.
func NewServer(ctx context.Context, cfg Config) (*Server, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket must not be empty")
	}
	if cfg.Account == "" {
		return nil, errors.New("account must not be empty")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check backing bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create backing bucket %q: %w", cfg.Bucket, err)
		}
	}

	return &Server{cfg: cfg, client: client}, nil
}

// Capabilities reports what the gateway supports.
func (s *Server) Capabilities() backend.Capabilities {
	return backend.Capabilities{CrossAccountCopy: false}
}

// Handler returns an http.Handler implementing the v1 storage API subset
// the gateway supports.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("PUT /v1/{account}", func(w http.ResponseWriter, r *http.Request) {
		if !s.checkAccount(w, r.PathValue("account")) {
			return
		}
		// The gateway's account exists by definition.
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("HEAD /v1/{account}", func(w http.ResponseWriter, r *http.Request) {
		if !s.checkAccount(w, r.PathValue("account")) {
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("PUT /v1/{account}/{container}", s.withContainer(s.handlePutContainer))
	mux.HandleFunc("HEAD /v1/{account}/{container}", s.withContainer(s.handleHeadContainer))
	mux.HandleFunc("GET /v1/{account}/{container}", s.withContainer(s.handleListContainer))
	mux.HandleFunc("DELETE /v1/{account}/{container}", s.withContainer(s.handleDeleteContainer))

	mux.HandleFunc("PUT /v1/{account}/{container}/{object...}", s.withObject(s.handlePutObject))
	mux.HandleFunc("GET /v1/{account}/{container}/{object...}", s.withObject(s.handleGetObject))
	mux.HandleFunc("HEAD /v1/{account}/{container}/{object...}", s.withObject(s.handleHeadObject))
	mux.HandleFunc("DELETE /v1/{account}/{container}/{object...}", s.withObject(s.handleDeleteObject))
	mux.HandleFunc("COPY /v1/{account}/{container}/{object...}", s.withObject(s.handleCopyObject))

	return mux
}

func (s *Server) checkAccount(w http.ResponseWriter, account string) bool {
	if account != s.cfg.Account {
		http.Error(w, "account not found", http.StatusNotFound)
		return false
	}
	return true
}

func (s *Server) withContainer(fn func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.checkAccount(w, r.PathValue("account")) {
			return
		}
		fn(w, r, r.PathValue("container"))
	}
}

func (s *Server) withObject(fn func(http.ResponseWriter, *http.Request, string, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.checkAccount(w, r.PathValue("account")) {
			return
		}
		fn(w, r, r.PathValue("container"), r.PathValue("object"))
	}
}

// objectKey maps a container and object name to a key in the backing
// bucket.
func objectKey(container string, object string) string {
	return container + "/" + object
}

// isNoSuchKey reports whether an S3 error means the key or bucket is
// absent.
func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket"
}

func (s *Server) containerExists(ctx context.Context, container string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.cfg.Bucket, markerPrefix+container, minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Server) handlePutContainer(w http.ResponseWriter, r *http.Request, container string) {
	exists, err := s.containerExists(r.Context(), container)
	if err != nil {
		s.internalError(w, "Create container", err, "container", container)
		return
	}
	if exists {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	_, err = s.client.PutObject(r.Context(), s.cfg.Bucket, markerPrefix+container,
		strings.NewReader(""), 0, minio.PutObjectOptions{})
	if err != nil {
		s.internalError(w, "Create container marker", err, "container", container)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleHeadContainer(w http.ResponseWriter, r *http.Request, container string) {
	exists, err := s.containerExists(r.Context(), container)
	if err != nil {
		s.internalError(w, "Head container", err, "container", container)
		return
	}
	if !exists {
		http.Error(w, "container not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListContainer(w http.ResponseWriter, r *http.Request, container string) {
	exists, err := s.containerExists(r.Context(), container)
	if err != nil {
		s.internalError(w, "List container", err, "container", container)
		return
	}
	if !exists {
		http.Error(w, "container not found", http.StatusNotFound)
		return
	}

	prefix := objectKey(container, r.URL.Query().Get("prefix"))
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	for info := range s.client.ListObjects(r.Context(), s.cfg.Bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if info.Err != nil {
			slog.Error("List objects", "container", container, "err", info.Err)
			return
		}
		fmt.Fprintln(w, strings.TrimPrefix(info.Key, container+"/"))
	}
}

func (s *Server) handleDeleteContainer(w http.ResponseWriter, r *http.Request, container string) {
	exists, err := s.containerExists(r.Context(), container)
	if err != nil {
		s.internalError(w, "Delete container", err, "container", container)
		return
	}
	if !exists {
		http.Error(w, "container not found", http.StatusNotFound)
		return
	}

	for info := range s.client.ListObjects(r.Context(), s.cfg.Bucket, minio.ListObjectsOptions{
		Prefix:    container + "/",
		Recursive: true,
		MaxKeys:   1,
	}) {
		if info.Err == nil {
			http.Error(w, "container not empty", http.StatusConflict)
			return
		}
	}

	if err := s.client.RemoveObject(r.Context(), s.cfg.Bucket, markerPrefix+container, minio.RemoveObjectOptions{}); err != nil {
		s.internalError(w, "Delete container marker", err, "container", container)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePutObject(w http.ResponseWriter, r *http.Request, container string, object string) {
	exists, err := s.containerExists(r.Context(), container)
	if err != nil {
		s.internalError(w, "Put object", err, "container", container)
		return
	}
	if !exists {
		http.Error(w, "container not found", http.StatusNotFound)
		return
	}

	// The S3 side has no per-object expiry header; X-Delete-After is
	// ignored and lifetime enforcement is left to a bucket lifecycle rule
	// on the backing bucket; the proxy warns about it once at startup.
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	defer r.Body.Close()
	info, err := s.client.PutObject(r.Context(), s.cfg.Bucket, objectKey(container, object),
		r.Body, r.ContentLength, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		s.internalError(w, "Put object", err, "container", container, "object", object)
		return
	}

	w.Header().Set("ETag", info.ETag)
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request, container string, object string) {
	obj, err := s.client.GetObject(r.Context(), s.cfg.Bucket, objectKey(container, object), minio.GetObjectOptions{})
	if err != nil {
		s.internalError(w, "Get object", err, "container", container, "object", object)
		return
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		if isNoSuchKey(err) {
			http.Error(w, "object not found", http.StatusNotFound)
			return
		}
		s.internalError(w, "Stat object", err, "container", container, "object", object)
		return
	}

	writeObjectHeaders(w, info)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, obj); err != nil {
		slog.Error("Stream object", "container", container, "object", object, "err", err)
	}
}

func (s *Server) handleHeadObject(w http.ResponseWriter, r *http.Request, container string, object string) {
	info, err := s.client.StatObject(r.Context(), s.cfg.Bucket, objectKey(container, object), minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			http.Error(w, "object not found", http.StatusNotFound)
			return
		}
		s.internalError(w, "Head object", err, "container", container, "object", object)
		return
	}

	writeObjectHeaders(w, info)
	w.WriteHeader(http.StatusOK)
}

func writeObjectHeaders(w http.ResponseWriter, info minio.ObjectInfo) {
	contentType := info.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	w.Header().Set("Last-Modified", info.LastModified.UTC().Format(http.TimeFormat))
	w.Header().Set("ETag", info.ETag)
}

func (s *Server) handleDeleteObject(w http.ResponseWriter, r *http.Request, container string, object string) {
	key := objectKey(container, object)

	// S3 deletes are idempotent; stat first so absent objects 404 the way
	// the v1 API promises.
	if _, err := s.client.StatObject(r.Context(), s.cfg.Bucket, key, minio.StatObjectOptions{}); err != nil {
		if isNoSuchKey(err) {
			http.Error(w, "object not found", http.StatusNotFound)
			return
		}
		s.internalError(w, "Delete object stat", err, "container", container, "object", object)
		return
	}

	if err := s.client.RemoveObject(r.Context(), s.cfg.Bucket, key, minio.RemoveObjectOptions{}); err != nil {
		s.internalError(w, "Delete object", err, "container", container, "object", object)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCopyObject(w http.ResponseWriter, r *http.Request, container string, object string) {
	if v := r.Header.Get("Destination-Account"); v != "" && v != s.cfg.Account {
		http.Error(w, "cross-account copy is not supported", http.StatusNotImplemented)
		return
	}

	destination := r.Header.Get("Destination")
	dstContainer, dstObject, found := strings.Cut(destination, "/")
	if !found || dstContainer == "" || dstObject == "" {
		http.Error(w, "Destination header must name container/object", http.StatusBadRequest)
		return
	}

	exists, err := s.containerExists(r.Context(), dstContainer)
	if err != nil {
		s.internalError(w, "Copy destination lookup", err, "container", dstContainer)
		return
	}
	if !exists {
		http.Error(w, "destination container not found", http.StatusNotFound)
		return
	}

	info, err := s.client.CopyObject(r.Context(),
		minio.CopyDestOptions{Bucket: s.cfg.Bucket, Object: objectKey(dstContainer, dstObject)},
		minio.CopySrcOptions{Bucket: s.cfg.Bucket, Object: objectKey(container, object)},
	)
	if err != nil {
		if isNoSuchKey(err) {
			http.Error(w, "object not found", http.StatusNotFound)
			return
		}
		s.internalError(w, "Copy object", err, "container", container, "object", object)
		return
	}

	w.Header().Set("ETag", info.ETag)
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) internalError(w http.ResponseWriter, what string, err error, attrs ...any) {
	slog.Error(what, append(attrs, "err", err)...)
	http.Error(w, "internal error", http.StatusInternalServerError)
}
