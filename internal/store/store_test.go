package store

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, cfg Config) http.Handler {
	t.Helper()

	if cfg.DataDir == "" {
		cfg.DataDir = t.TempDir()
	}

	srv, err := NewServer(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	return srv.Handler()
}

func do(t *testing.T, handler http.Handler, method string, path string, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

// provision creates an account and container for object tests.
func provision(t *testing.T, handler http.Handler, account string, container string) {
	t.Helper()
	require.Equal(t, http.StatusCreated, do(t, handler, http.MethodPut, "/v1/"+account, "", nil).Code)
	require.Equal(t, http.StatusCreated, do(t, handler, http.MethodPut, "/v1/"+account+"/"+container, "", nil).Code)
}

func TestAccountLifecycle(t *testing.T) {
	t.Parallel()
	handler := newTestServer(t, Config{})

	require.Equal(t, http.StatusNotFound, do(t, handler, http.MethodHead, "/v1/a", "", nil).Code)
	require.Equal(t, http.StatusCreated, do(t, handler, http.MethodPut, "/v1/a", "", nil).Code)
	require.Equal(t, http.StatusAccepted, do(t, handler, http.MethodPut, "/v1/a", "", nil).Code, "re-creating is idempotent")
	require.Equal(t, http.StatusNoContent, do(t, handler, http.MethodHead, "/v1/a", "", nil).Code)

	require.Equal(t, http.StatusCreated, do(t, handler, http.MethodPut, "/v1/a/c", "", nil).Code)
	require.Equal(t, http.StatusConflict, do(t, handler, http.MethodDelete, "/v1/a", "", nil).Code, "non-empty account")

	require.Equal(t, http.StatusNoContent, do(t, handler, http.MethodDelete, "/v1/a/c", "", nil).Code)
	require.Equal(t, http.StatusNoContent, do(t, handler, http.MethodDelete, "/v1/a", "", nil).Code)
	require.Equal(t, http.StatusNotFound, do(t, handler, http.MethodDelete, "/v1/a", "", nil).Code)
}

func TestContainerLifecycle(t *testing.T) {
	t.Parallel()
	handler := newTestServer(t, Config{})

	require.Equal(t, http.StatusNotFound, do(t, handler, http.MethodPut, "/v1/a/c", "", nil).Code, "container needs an account")

	require.Equal(t, http.StatusCreated, do(t, handler, http.MethodPut, "/v1/a", "", nil).Code)
	require.Equal(t, http.StatusCreated, do(t, handler, http.MethodPut, "/v1/a/c", "", nil).Code)
	require.Equal(t, http.StatusAccepted, do(t, handler, http.MethodPut, "/v1/a/c", "", nil).Code)
	require.Equal(t, http.StatusNoContent, do(t, handler, http.MethodHead, "/v1/a/c", "", nil).Code)

	require.Equal(t, http.StatusCreated, do(t, handler, http.MethodPut, "/v1/a/c/o", "data", nil).Code)
	require.Equal(t, http.StatusConflict, do(t, handler, http.MethodDelete, "/v1/a/c", "", nil).Code, "non-empty container")

	require.Equal(t, http.StatusNoContent, do(t, handler, http.MethodDelete, "/v1/a/c/o", "", nil).Code)
	require.Equal(t, http.StatusNoContent, do(t, handler, http.MethodDelete, "/v1/a/c", "", nil).Code)
}

func TestObjectRoundTrip(t *testing.T) {
	t.Parallel()
	handler := newTestServer(t, Config{})
	provision(t, handler, "a", "docs")

	put := do(t, handler, http.MethodPut, "/v1/a/docs/report.pdf", "hello world", map[string]string{"Content-Type": "application/pdf"})
	require.Equal(t, http.StatusCreated, put.Code)
	require.NotEmpty(t, put.Header().Get("ETag"))

	get := do(t, handler, http.MethodGet, "/v1/a/docs/report.pdf", "", nil)
	require.Equal(t, http.StatusOK, get.Code)
	require.Equal(t, "hello world", get.Body.String())
	require.Equal(t, "application/pdf", get.Header().Get("Content-Type"))
	require.Equal(t, put.Header().Get("ETag"), get.Header().Get("ETag"))

	head := do(t, handler, http.MethodHead, "/v1/a/docs/report.pdf", "", nil)
	require.Equal(t, http.StatusOK, head.Code)
	require.Empty(t, head.Body.String())
	require.Equal(t, "11", head.Header().Get("Content-Length"))

	require.Equal(t, http.StatusNoContent, do(t, handler, http.MethodDelete, "/v1/a/docs/report.pdf", "", nil).Code)
	require.Equal(t, http.StatusNotFound, do(t, handler, http.MethodGet, "/v1/a/docs/report.pdf", "", nil).Code)
	require.Equal(t, http.StatusNotFound, do(t, handler, http.MethodDelete, "/v1/a/docs/report.pdf", "", nil).Code)
}

func TestPutObjectRequiresContainer(t *testing.T) {
	t.Parallel()
	handler := newTestServer(t, Config{})

	require.Equal(t, http.StatusCreated, do(t, handler, http.MethodPut, "/v1/a", "", nil).Code)
	require.Equal(t, http.StatusNotFound, do(t, handler, http.MethodPut, "/v1/a/missing/o", "data", nil).Code)
}

func TestPutObjectOverwrite(t *testing.T) {
	t.Parallel()
	handler := newTestServer(t, Config{})
	provision(t, handler, "a", "docs")

	require.Equal(t, http.StatusCreated, do(t, handler, http.MethodPut, "/v1/a/docs/o", "first", nil).Code)
	require.Equal(t, http.StatusCreated, do(t, handler, http.MethodPut, "/v1/a/docs/o", "second", nil).Code)

	get := do(t, handler, http.MethodGet, "/v1/a/docs/o", "", nil)
	require.Equal(t, "second", get.Body.String())
}

func TestListContainer(t *testing.T) {
	t.Parallel()
	handler := newTestServer(t, Config{})
	provision(t, handler, "a", "docs")

	for _, name := range []string{"b.txt", "a.txt", "sub/c.txt"} {
		require.Equal(t, http.StatusCreated, do(t, handler, http.MethodPut, "/v1/a/docs/"+name, "x", nil).Code)
	}

	list := do(t, handler, http.MethodGet, "/v1/a/docs", "", nil)
	require.Equal(t, http.StatusOK, list.Code)
	require.Equal(t, "a.txt\nb.txt\nsub/c.txt\n", list.Body.String())

	filtered := do(t, handler, http.MethodGet, "/v1/a/docs?prefix=sub/", "", nil)
	require.Equal(t, "sub/c.txt\n", filtered.Body.String())

	require.Equal(t, http.StatusNotFound, do(t, handler, http.MethodGet, "/v1/a/missing", "", nil).Code)
}

func TestCopyObject(t *testing.T) {
	t.Parallel()
	handler := newTestServer(t, Config{})
	provision(t, handler, "a", "docs")
	require.Equal(t, http.StatusCreated, do(t, handler, http.MethodPut, "/v1/a/.trash-docs", "", nil).Code)

	require.Equal(t, http.StatusCreated, do(t, handler, http.MethodPut, "/v1/a/docs/o", "payload", map[string]string{"Content-Type": "text/plain"}).Code)

	c := do(t, handler, "COPY", "/v1/a/docs/o", "", map[string]string{"Destination": ".trash-docs/o"})
	require.Equal(t, http.StatusCreated, c.Code)

	get := do(t, handler, http.MethodGet, "/v1/a/.trash-docs/o", "", nil)
	require.Equal(t, http.StatusOK, get.Code)
	require.Equal(t, "payload", get.Body.String())
	require.Equal(t, "text/plain", get.Header().Get("Content-Type"))
}

func TestCopyObjectErrors(t *testing.T) {
	t.Parallel()
	handler := newTestServer(t, Config{})
	provision(t, handler, "a", "docs")
	require.Equal(t, http.StatusCreated, do(t, handler, http.MethodPut, "/v1/a/docs/o", "x", nil).Code)

	require.Equal(t, http.StatusBadRequest,
		do(t, handler, "COPY", "/v1/a/docs/o", "", map[string]string{"Destination": "nodestobject"}).Code)

	require.Equal(t, http.StatusNotFound,
		do(t, handler, "COPY", "/v1/a/docs/missing", "", map[string]string{"Destination": "docs/copy"}).Code,
		"missing source")

	require.Equal(t, http.StatusNotFound,
		do(t, handler, "COPY", "/v1/a/docs/o", "", map[string]string{"Destination": "missing/copy"}).Code,
		"missing destination container")
}

func TestCopyObjectCrossAccount(t *testing.T) {
	t.Parallel()
	handler := newTestServer(t, Config{})
	provision(t, handler, "a", "docs")
	provision(t, handler, ".trasha", ".trash-docs")
	require.Equal(t, http.StatusCreated, do(t, handler, http.MethodPut, "/v1/a/docs/o", "payload", nil).Code)

	c := do(t, handler, "COPY", "/v1/a/docs/o", "", map[string]string{
		"Destination":         ".trash-docs/o",
		"Destination-Account": ".trasha",
	})
	require.Equal(t, http.StatusCreated, c.Code)

	get := do(t, handler, http.MethodGet, "/v1/.trasha/.trash-docs/o", "", nil)
	require.Equal(t, http.StatusOK, get.Code)
	require.Equal(t, "payload", get.Body.String())
}

func TestCapacityLimit(t *testing.T) {
	t.Parallel()
	handler := newTestServer(t, Config{MaxBytes: 10})
	provision(t, handler, "a", "docs")

	require.Equal(t, http.StatusCreated, do(t, handler, http.MethodPut, "/v1/a/docs/small", "12345678", nil).Code)
	require.Equal(t, http.StatusInsufficientStorage, do(t, handler, http.MethodPut, "/v1/a/docs/big", "123", nil).Code)

	// A copy accounts the destination's full size too.
	require.Equal(t, http.StatusCreated, do(t, handler, http.MethodPut, "/v1/a/.trash-docs", "", nil).Code)
	require.Equal(t, http.StatusInsufficientStorage,
		do(t, handler, "COPY", "/v1/a/docs/small", "", map[string]string{"Destination": ".trash-docs/small"}).Code)
}

func TestDeleteAfterValidation(t *testing.T) {
	t.Parallel()
	handler := newTestServer(t, Config{})
	provision(t, handler, "a", "docs")

	require.Equal(t, http.StatusBadRequest,
		do(t, handler, http.MethodPut, "/v1/a/docs/o", "x", map[string]string{"X-Delete-After": "soon"}).Code)
	require.Equal(t, http.StatusBadRequest,
		do(t, handler, http.MethodPut, "/v1/a/docs/o", "x", map[string]string{"X-Delete-After": "-5"}).Code)
	require.Equal(t, http.StatusCreated,
		do(t, handler, http.MethodPut, "/v1/a/docs/o", "x", map[string]string{"X-Delete-After": "3600"}).Code)

	require.Equal(t, http.StatusOK, do(t, handler, http.MethodGet, "/v1/a/docs/o", "", nil).Code,
		"an unexpired object is served normally")
}

func TestExpiredObjectNotServed(t *testing.T) {
	t.Parallel()
	handler := newTestServer(t, Config{})
	provision(t, handler, "a", "docs")

	require.Equal(t, http.StatusCreated,
		do(t, handler, http.MethodPut, "/v1/a/docs/o", "ephemeral", map[string]string{"X-Delete-After": "1"}).Code)
	require.Equal(t, http.StatusOK, do(t, handler, http.MethodGet, "/v1/a/docs/o", "", nil).Code)

	// Expiry is whole-second granularity, so 1.1s past the PUT is always
	// beyond an X-Delete-After of 1.
	time.Sleep(1100 * time.Millisecond)

	require.Equal(t, http.StatusNotFound, do(t, handler, http.MethodGet, "/v1/a/docs/o", "", nil).Code)
	require.Equal(t, http.StatusNotFound, do(t, handler, http.MethodHead, "/v1/a/docs/o", "", nil).Code)

	// The stale row is still there to be cleared.
	require.Equal(t, http.StatusNoContent, do(t, handler, http.MethodDelete, "/v1/a/docs/o", "", nil).Code)
	require.Equal(t, http.StatusNotFound, do(t, handler, http.MethodDelete, "/v1/a/docs/o", "", nil).Code)
}

func TestNameValidation(t *testing.T) {
	t.Parallel()
	handler := newTestServer(t, Config{})

	long := strings.Repeat("x", MaxNameLength+1)
	require.Equal(t, http.StatusBadRequest, do(t, handler, http.MethodPut, "/v1/"+long, "", nil).Code)

	require.Equal(t, http.StatusCreated, do(t, handler, http.MethodPut, "/v1/a", "", nil).Code)
	require.Equal(t, http.StatusBadRequest, do(t, handler, http.MethodPut, "/v1/a/"+long, "", nil).Code)
}
