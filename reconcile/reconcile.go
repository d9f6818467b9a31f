// Package reconcile merges a middleware-produced response with the origin's
// eventual response: shadow-header materialization, cookie propagation,
// payload transformation, rewrite/redirect header translation and
// cross-origin proxying.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/edgekit/nextroute/htmlstream"
)

// Kind discriminates the shapes a middleware execution can hand back. The
// decision is made once at the middleware boundary, not by duck-typing in
// the reconciliation steps.
type Kind int

const (
	// KindPlain is a complete response produced by the middleware.
	KindPlain Kind = iota

	// KindNext means the middleware wants the origin next-hop response.
	KindNext

	// KindMiddleware wraps an origin passthrough response with transform
	// hooks.
	KindMiddleware
)

// Result is the outcome of a middleware execution.
type Result struct {
	Kind     Kind
	Response *http.Response

	// DataTransforms apply in order to the hydration-data payload, each
	// receiving the previous one's output. Only meaningful for
	// KindMiddleware.
	DataTransforms []DataTransform

	// ElementHandlers are registered with the HTML stream rewriter in
	// addition to the hydration-payload transform.
	ElementHandlers []htmlstream.ElementHandler

	// SetCookie is the cookie overlay forced onto the wrapped origin
	// response. The wrapping layer does not propagate cookies by itself.
	SetCookie []string
}

// Dispatcher invokes the origin next hop for a request on the same
// authority. Cross-origin targets cannot be dispatched internally and go
// through an outbound fetch instead.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

func (f DispatcherFunc) Dispatch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}

// Reconciler builds the final client response from a middleware result and
// the origin dispatch. Immutable after construction, safe for concurrent
// use.
type Reconciler struct {
	// Next dispatches same-authority requests to the origin.
	Next Dispatcher

	// Client performs outbound fetches for cross-origin rewrite targets.
	// http.DefaultClient when nil.
	Client *http.Client

	// BuildID of the deployed artifact, used for data-path translation.
	BuildID string

	// BasePath prefix of all routes, preserved during data-path
	// translation.
	BasePath string
}

var errNoDispatcher = errors.New("reconcile: no origin dispatcher configured")

// BuildResponse reconciles the middleware result with the origin response
// according to the control-plane header protocol. req is the forwarded
// request; its headers are modified in place by the shadow-header protocol.
func (rc *Reconciler) BuildResponse(ctx context.Context, req *http.Request, result *Result) (*http.Response, error) {
	if result.Response != nil {
		UpdateModifiedHeaders(req.Header, result.Response.Header)
	}

	switch result.Kind {
	case KindNext:
		res, err := rc.dispatch(ctx, req)
		if err != nil {
			return nil, err
		}
		if result.Response != nil {
			mergeHeaders(res.Header, stripDirectives(result.Response.Header))
		}
		return res, nil

	case KindMiddleware:
		return rc.buildMiddlewareResponse(req, result)

	default:
		return rc.buildPlainResponse(ctx, req, result.Response)
	}
}

// buildMiddlewareResponse handles the wrapped origin passthrough: cookie
// overlay, then payload transformation for JSON bodies or streamed HTML
// documents.
func (rc *Reconciler) buildMiddlewareResponse(req *http.Request, result *Result) (*http.Response, error) {
	res := result.Response
	if res == nil {
		return nil, errors.New("reconcile: middleware result without wrapped response")
	}

	// transforms only make sense for bodies that are delivered
	if req.Method == http.MethodHead || req.Method == http.MethodOptions {
		return res, nil
	}

	if len(result.SetCookie) > 0 {
		res.Header.Del("Set-Cookie")
		for _, c := range result.SetCookie {
			res.Header.Add("Set-Cookie", c)
		}
	}

	if isJSONResponse(res) {
		if err := transformJSONBody(res, result.DataTransforms); err != nil {
			return nil, err
		}
		return res, nil
	}

	if err := transformHTMLBody(res, result.DataTransforms, result.ElementHandlers); err != nil {
		return nil, err
	}
	return res, nil
}

// buildPlainResponse interprets the control-plane directives of a plain
// middleware response: rewrite dispatch, redirect translation for data
// requests and origin passthrough.
func (rc *Reconciler) buildPlainResponse(ctx context.Context, req *http.Request, in *http.Response) (*http.Response, error) {
	if in == nil {
		return nil, errors.New("reconcile: missing middleware response")
	}

	res := cloneResponse(in)
	req.Header.Set(MiddlewareRanHeader, "1")

	if target := res.Header.Get(RewriteHeader); target != "" {
		return rc.handleRewrite(ctx, req, res, target)
	}

	if loc := res.Header.Get("Location"); loc != "" && isDataRequest(req) {
		// data-fetch clients follow redirects in-router, not over HTTP
		res.Header.Del("Location")
		res.Header.Set(ClientRedirectHeader, rc.relativize(req, loc))
	}

	if v := res.Header.Get(ClientRedirectHeader); v != "" && isDataRequest(req) {
		res.Header.Set(ClientRedirectHeader, rc.normalizeDataRedirect(v))
	}

	if res.Header.Get(NextHeader) != "" {
		res.Header.Del(NextHeader)
		next, err := rc.dispatch(ctx, req)
		if err != nil {
			return nil, err
		}
		mergeHeaders(next.Header, stripDirectives(res.Header))
		return next, nil
	}

	return res, nil
}

func (rc *Reconciler) handleRewrite(ctx context.Context, req *http.Request, res *http.Response, target string) (*http.Response, error) {
	res.Header.Del(RewriteHeader)

	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("reconcile: invalid rewrite target %q: %w", target, err)
	}

	if isDataRequest(req) {
		// the rewrite directive for the client router is data-request
		// protocol, browser navigations must not see it
		res.Header.Set(ClientRewriteHeader, rc.relativize(req, target))
	}

	if crossOrigin(req, u) {
		// the platform cannot internally route to other origins
		out := req.Clone(ctx)
		out.URL = u
		out.Host = u.Host
		out.RequestURI = ""
		proxied, err := rc.client().Do(out)
		if err != nil {
			return nil, err
		}
		mergeHeaders(proxied.Header, stripDirectives(res.Header))
		return proxied, nil
	}

	dispatchReq := req.Clone(ctx)
	dispatchReq.URL.Path = u.Path
	dispatchReq.URL.RawPath = ""
	dispatchReq.URL.RawQuery = u.RawQuery

	if isDataRequest(req) {
		// the client router expects data-shaped rewrite targets
		dispatchReq.URL.Path = rc.dataPath(u.Path)
	}

	next, err := rc.dispatch(ctx, dispatchReq)
	if err != nil {
		return nil, err
	}
	mergeHeaders(next.Header, stripDirectives(res.Header))
	return next, nil
}

func (rc *Reconciler) dispatch(ctx context.Context, req *http.Request) (*http.Response, error) {
	if rc.Next == nil {
		return nil, errNoDispatcher
	}
	return rc.Next.Dispatch(ctx, req)
}

func (rc *Reconciler) client() *http.Client {
	if rc.Client != nil {
		return rc.Client
	}
	return http.DefaultClient
}

// dataPath translates a page path into the data-request shape for the
// deployed build, preserving the base path. The root page maps onto
// /index.json.
func (rc *Reconciler) dataPath(path string) string {
	p := strings.TrimPrefix(path, rc.BasePath)
	if p == "" || p == "/" {
		p = "/index"
	}
	return rc.BasePath + "/_next/data/" + rc.BuildID + p + ".json"
}

var dataRedirectRe = regexp.MustCompile(`^/_next/data/[^/]+(/.+)\.json$`)

// normalizeDataRedirect collapses data-shaped redirect targets back to page
// paths: /_next/data/<build>/name.json becomes /name, index collapses to /.
func (rc *Reconciler) normalizeDataRedirect(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return target
	}

	p := strings.TrimPrefix(u.Path, rc.BasePath)
	m := dataRedirectRe.FindStringSubmatch(p)
	if m == nil {
		return target
	}

	page := m[1]
	if page == "/index" {
		page = "/"
	}
	u.Path = rc.BasePath + page
	return u.String()
}

// relativize strips the request origin from target when they share an
// authority, leaving cross-origin targets absolute.
func (rc *Reconciler) relativize(req *http.Request, target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	if u.Host == "" || !crossOrigin(req, u) {
		rel := url.URL{Path: u.Path, RawQuery: u.RawQuery, Fragment: u.Fragment}
		return rel.String()
	}
	return target
}

func crossOrigin(req *http.Request, u *url.URL) bool {
	return u.Host != "" && u.Host != requestHost(req)
}

func requestHost(req *http.Request) string {
	if req.Host != "" {
		return req.Host
	}
	return req.URL.Host
}

func isDataRequest(req *http.Request) bool {
	return req.Header.Get(DataRequestHeader) != ""
}

// stripDirectives drops the consumed control-plane headers before merging
// middleware headers onto an origin response.
func stripDirectives(h http.Header) http.Header {
	out := h.Clone()
	out.Del(RewriteHeader)
	out.Del(NextHeader)
	out.Del(OverrideHeadersHeader)
	return out
}

func cloneResponse(in *http.Response) *http.Response {
	out := *in
	out.Header = in.Header.Clone()
	return &out
}
