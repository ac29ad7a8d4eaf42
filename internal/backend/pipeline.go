package backend

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"strconv"
)

// PipelineClient implements Client by driving the rest of the request
// pipeline with internal sub-requests, the same way the enclosing filter's
// own requests will eventually reach the backend. This keeps the filter
// composable: whatever handlers sit between the filter and the backend
// (authentication, logging) see the sub-requests too.
type PipelineClient struct {
	next http.Handler
	base http.Header
}

// NewPipelineClient returns a Client that issues sub-requests into next.
// Credential headers from base (the inbound request's headers) are copied
// onto every sub-request so they are authorized like the original.
func NewPipelineClient(next http.Handler, base http.Header) *PipelineClient {
	return &PipelineClient{next: next, base: base}
}

// forwardedHeaders are the inbound headers copied onto sub-requests.
var forwardedHeaders = []string{"Authorization", "X-Auth-Token"}

func (c *PipelineClient) newSubrequest(ctx context.Context, method string, path string) *http.Request {
	req := &http.Request{
		Method:     method,
		URL:        &url.URL{Path: path},
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     make(http.Header),
		Body:       http.NoBody,
		Host:       "localhost",
		RequestURI: path,
	}
	for _, name := range forwardedHeaders {
		if v := c.base.Get(name); v != "" {
			req.Header.Set(name, v)
		}
	}
	return req.WithContext(ctx)
}

// do runs the sub-request through the pipeline and converts non-2xx
// responses into *Error.
func (c *PipelineClient) do(req *http.Request, op string, loc Location) error {
	rec := newRecorder()
	c.next.ServeHTTP(rec, req)

	if rec.status >= 200 && rec.status < 300 {
		return nil
	}

	return &Error{
		Kind:      kindForStatus(rec.status),
		Op:        op,
		Account:   loc.Account,
		Container: loc.Container,
		Object:    loc.Object,
		Status:    rec.status,
		Header:    rec.header,
		Body:      rec.body.Bytes(),
	}
}

func (c *PipelineClient) CreateAccount(ctx context.Context, account string) error {
	loc := Location{Account: account}
	req := c.newSubrequest(ctx, http.MethodPut, objectPath(loc))
	return c.do(req, "create account", loc)
}

func (c *PipelineClient) CreateContainer(ctx context.Context, account string, container string) error {
	loc := Location{Account: account, Container: container}
	req := c.newSubrequest(ctx, http.MethodPut, objectPath(loc))
	return c.do(req, "create container", loc)
}

func (c *PipelineClient) CopyObject(ctx context.Context, src Location, dst Location, opts CopyOptions) error {
	req := c.newSubrequest(ctx, "COPY", objectPath(src))
	req.Header.Set("Destination", dst.Container+"/"+dst.Object)
	if dst.Account != src.Account {
		req.Header.Set("Destination-Account", dst.Account)
	}
	if opts.DeleteAfter > 0 {
		req.Header.Set("X-Delete-After", strconv.FormatInt(opts.DeleteAfter, 10))
	}
	return c.do(req, "copy object", src)
}

func (c *PipelineClient) DeleteObject(ctx context.Context, loc Location) error {
	req := c.newSubrequest(ctx, http.MethodDelete, objectPath(loc))
	return c.do(req, "delete object", loc)
}

// objectPath builds the /v1 API path for a location. Paths are built
// structurally (not parsed from a string) so object names containing any
// byte the backend accepts survive the round trip.
func objectPath(loc Location) string {
	p := "/v1/" + loc.Account
	if loc.Container != "" {
		p += "/" + loc.Container
	}
	if loc.Object != "" {
		p += "/" + loc.Object
	}
	return p
}

// kindForStatus maps a backend HTTP status to the failure class the
// undelete protocol branches on.
func kindForStatus(status int) ErrorKind {
	switch status {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrAlreadyExists
	case http.StatusInsufficientStorage:
		return ErrCapacity
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrPermission
	case http.StatusBadRequest, http.StatusRequestURITooLong:
		return ErrInvalid
	default:
		return ErrOther
	}
}

// recorder captures a sub-request's response in memory.
type recorder struct {
	status int
	header http.Header
	body   bytes.Buffer
}

func newRecorder() *recorder {
	return &recorder{status: http.StatusOK, header: make(http.Header)}
}

func (r *recorder) Header() http.Header {
	return r.header
}

func (r *recorder) WriteHeader(statusCode int) {
	r.status = statusCode
}

func (r *recorder) Write(b []byte) (int, error) {
	return r.body.Write(b)
}
