// Package edge adapts the routing pipeline and the middleware reconciler to
// the HTTP surface of the hosting platform. It provides the combined
// handler for single-process deployments and the split pre/post handler
// pair for platforms that invoke middleware as a separate function.
package edge

import (
	"context"
	"net/http"
	"net/url"

	"github.com/edgekit/nextroute/reconcile"
)

// NewOriginDispatcher returns a dispatcher forwarding requests to the
// origin server at base, preserving the request path, query and headers.
// client defaults to http.DefaultClient.
func NewOriginDispatcher(base *url.URL, client *http.Client) reconcile.Dispatcher {
	if client == nil {
		client = http.DefaultClient
	}

	return reconcile.DispatcherFunc(func(ctx context.Context, req *http.Request) (*http.Response, error) {
		out := req.Clone(ctx)
		out.URL.Scheme = base.Scheme
		out.URL.Host = base.Host
		out.Host = base.Host
		out.RequestURI = ""
		out.Header.Set("X-Forwarded-Host", requestHost(req))
		return client.Do(out)
	})
}

func requestHost(req *http.Request) string {
	if req.Host != "" {
		return req.Host
	}
	return req.URL.Host
}
