package etl

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"
)

// HTTPRequester builds one Request per page from functions of the slice and
// page token, and sends it through a Transport.
type HTTPRequester struct {
	Name      string
	Transport Transport
	URLBase   string
	Method    string // defaults to GET
	Path      func(ctx context.Context, slice StreamSlice, token PageToken) (string, error)
	Params    func(ctx context.Context, slice StreamSlice, token PageToken) (url.Values, error)
	Body      func(ctx context.Context, slice StreamSlice, token PageToken) (any, error)
	Headers   http.Header
}

// StaticPath returns a Path function for a fixed path.
func StaticPath(p string) func(context.Context, StreamSlice, PageToken) (string, error) {
	return func(context.Context, StreamSlice, PageToken) (string, error) { return p, nil }
}

func (r *HTTPRequester) SendRequest(ctx context.Context, slice StreamSlice, token PageToken) (*Response, error) {
	req := &Request{Method: r.Method, Headers: r.Headers}
	if req.Method == "" {
		req.Method = http.MethodGet
	}

	path := ""
	if r.Path != nil {
		p, err := r.Path(ctx, slice, token)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: path", r.Name)
		}
		path = p
	}
	req.URL = JoinURL(r.URLBase, path)

	if r.Params != nil {
		params, err := r.Params(ctx, slice, token)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: params", r.Name)
		}
		req.Params = params
	}
	if r.Body != nil {
		body, err := r.Body(ctx, slice, token)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: body", r.Name)
		}
		req.JSON = body
	}
	return r.Transport.Send(ctx, req)
}

// JoinURL joins a base URL and a path with exactly one slash between them.
func JoinURL(base, path string) string {
	if path == "" {
		return base
	}
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}
