package undelete

import (
	"net/http"
	"strings"
)

// AllowFilter returns middleware that stops advertising DELETE while
// deletes are blocked: the Allow header of 405 responses and of OPTIONS
// responses is rewritten with DELETE removed. It is a pure response
// transformation, independent of the copy-then-delete protocol, so it can
// be installed with or without the Interceptor.
func AllowFilter(deletesBlocked func() bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !deletesBlocked() {
				next.ServeHTTP(w, r)
				return
			}

			next.ServeHTTP(&allowWriter{ResponseWriter: w, isOptions: r.Method == http.MethodOptions}, r)
		})
	}
}

// allowWriter rewrites the Allow header just before headers are flushed.
type allowWriter struct {
	http.ResponseWriter
	isOptions   bool
	wroteHeader bool
}

func (w *allowWriter) WriteHeader(statusCode int) {
	if !w.wroteHeader {
		w.wroteHeader = true
		if w.isOptions || statusCode == http.StatusMethodNotAllowed {
			stripAllowDelete(w.Header())
		}
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *allowWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

// stripAllowDelete removes DELETE from an Allow header, preserving the
// order of the remaining methods.
func stripAllowDelete(h http.Header) {
	allow := h.Get("Allow")
	if allow == "" {
		return
	}

	var kept []string
	for _, method := range strings.Split(allow, ",") {
		if strings.EqualFold(strings.TrimSpace(method), http.MethodDelete) {
			continue
		}
		kept = append(kept, strings.TrimSpace(method))
	}

	if len(kept) == 0 {
		h.Del("Allow")
		return
	}
	h.Set("Allow", strings.Join(kept, ", "))
}
