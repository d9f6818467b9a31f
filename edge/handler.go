package edge

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"
	log "github.com/sirupsen/logrus"

	"github.com/edgekit/nextroute/assets"
	"github.com/edgekit/nextroute/logging"
	"github.com/edgekit/nextroute/metrics"
	"github.com/edgekit/nextroute/pipeline"
	"github.com/edgekit/nextroute/reconcile"
)

// Middleware executes the deployed middleware function for a request and
// returns its result for reconciliation.
type Middleware func(ctx context.Context, req *http.Request) (*reconcile.Result, error)

// Options configure the edge handlers.
type Options struct {
	Pipeline *pipeline.Pipeline

	// Origin dispatches resolved requests to the origin server.
	Origin reconcile.Dispatcher

	// Assets serves statically resolved paths directly when set, falling
	// back to the origin for files it does not contain.
	Assets assets.Store

	// Middleware is the deployed middleware function, optional.
	Middleware Middleware

	// Reconciler merges middleware results with origin responses. Its Next
	// dispatcher is replaced by the handler with the pipeline resolution
	// hop.
	Reconciler *reconcile.Reconciler

	// Metrics receives response measurements, optional.
	Metrics *metrics.Metrics

	// AccessLogDisabled suppresses the per-request access log entries.
	AccessLogDisabled bool

	// Tracer for serve spans, opentracing.GlobalTracer() when nil.
	Tracer opentracing.Tracer
}

// Handler serves requests through the full routing flow: pre-middleware
// rules, the middleware hop with reconciliation, and post-middleware route
// resolution against the origin.
type Handler struct {
	opts Options
}

// NewHandler creates the combined single-process handler.
func NewHandler(o Options) *Handler {
	if o.Tracer == nil {
		o.Tracer = opentracing.GlobalTracer()
	}
	if o.Reconciler == nil {
		o.Reconciler = &reconcile.Reconciler{}
	}
	return &Handler{opts: o}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()

	span := h.startSpan(req)
	defer span.Finish()
	ctx := opentracing.ContextWithSpan(req.Context(), span)
	req = req.WithContext(ctx)

	matched := ""
	res, err := h.serve(ctx, req, &matched)
	if err != nil {
		h.serveError(w, req, span, start, err)
		return
	}

	status, size := writeResponse(w, res)
	ext.HTTPStatusCode.Set(span, uint16(status))
	h.finish(req, status, size, start, matched)
}

func (h *Handler) serve(ctx context.Context, req *http.Request, matched *string) (*http.Response, error) {
	pre, err := h.opts.Pipeline.PreMiddleware(req)
	if err != nil {
		return nil, err
	}
	if pre.Response != nil {
		return pre.Response, nil
	}

	if h.opts.Middleware == nil || req.Header.Get(reconcile.MiddlewareRanHeader) != "" {
		return h.resolveDispatch(ctx, pre.Request, matched)
	}

	result, err := h.opts.Middleware(ctx, pre.Request)
	if err != nil {
		return nil, err
	}
	if h.opts.Metrics != nil {
		h.opts.Metrics.IncMiddlewareResult(kindLabel(result.Kind))
	}

	rc := *h.opts.Reconciler
	rc.Next = reconcile.DispatcherFunc(func(ctx context.Context, req *http.Request) (*http.Response, error) {
		return h.resolveDispatch(ctx, req, matched)
	})
	return rc.BuildResponse(ctx, pre.Request, result)
}

// resolveDispatch runs the post-middleware route resolution and forwards
// the resolved request to the origin.
func (h *Handler) resolveDispatch(ctx context.Context, req *http.Request, matched *string) (*http.Response, error) {
	resolveStart := time.Now()
	post, err := h.opts.Pipeline.PostMiddleware(req)
	if h.opts.Metrics != nil {
		h.opts.Metrics.MeasureResolve("postMiddleware", resolveStart)
	}
	if err != nil {
		return nil, err
	}

	*matched = post.MatchedPath

	if post.StaticHit && h.opts.Assets != nil {
		res, err := h.serveStatic(ctx, post.Request)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, assets.ErrNotFound) {
			return nil, err
		}
	}

	return h.opts.Origin.Dispatch(ctx, post.Request)
}

func (h *Handler) serveStatic(ctx context.Context, req *http.Request) (*http.Response, error) {
	body, err := h.opts.Assets.Open(ctx, strings.TrimPrefix(req.URL.Path, "/"))
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if ct := mime.TypeByExtension(filepath.Ext(req.URL.Path)); ct != "" {
		header.Set("Content-Type", ct)
	}

	return &http.Response{
		StatusCode:    http.StatusOK,
		Header:        header,
		Body:          body,
		ContentLength: -1,
	}, nil
}

func (h *Handler) serveError(w http.ResponseWriter, req *http.Request, span opentracing.Span, start time.Time, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, pipeline.ErrTooManyFallbacks) {
		log.Errorf("edge: %v for %s", err, req.URL.Path)
	} else {
		log.Errorf("edge: serving %s: %v", req.URL.Path, err)
	}

	ext.Error.Set(span, true)
	ext.HTTPStatusCode.Set(span, uint16(status))
	http.Error(w, http.StatusText(status), status)
	h.finish(req, status, 0, start, "")
}

func (h *Handler) finish(req *http.Request, status int, size int64, start time.Time, matched string) {
	if h.opts.Metrics != nil {
		h.opts.Metrics.MeasureResponse(status, req.Method, start)
	}
	if !h.opts.AccessLogDisabled {
		logging.LogAccess(&logging.AccessEntry{
			Request:      req,
			StatusCode:   status,
			ResponseSize: size,
			Duration:     time.Since(start),
			RequestTime:  start,
			MatchedPath:  matched,
		})
	}
}

func (h *Handler) startSpan(req *http.Request) opentracing.Span {
	wireCtx, _ := h.opts.Tracer.Extract(
		opentracing.HTTPHeaders,
		opentracing.HTTPHeadersCarrier(req.Header))

	span := h.opts.Tracer.StartSpan("serve", ext.RPCServerOption(wireCtx))
	ext.HTTPMethod.Set(span, req.Method)
	ext.HTTPUrl.Set(span, req.URL.String())
	ext.Component.Set(span, "nextroute")
	return span
}

func kindLabel(k reconcile.Kind) string {
	switch k {
	case reconcile.KindNext:
		return "next"
	case reconcile.KindMiddleware:
		return "middleware"
	default:
		return "plain"
	}
}

// writeResponse copies res onto w and returns the status and the body size.
func writeResponse(w http.ResponseWriter, res *http.Response) (int, int64) {
	for k, vs := range res.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(res.StatusCode)

	var size int64
	if res.Body != nil {
		n, err := io.Copy(w, res.Body)
		size = n
		if err != nil {
			log.Errorf("edge: copying response body: %v", err)
		}
		res.Body.Close()
	}
	return res.StatusCode, size
}

// PreMiddlewareHandler applies the header and redirect rules and hands
// non-redirected requests to next, the middleware hop of the platform. The
// pipeline state is parked in store under a correlation id stamped onto the
// forwarded request.
func PreMiddlewareHandler(p *pipeline.Pipeline, store *CorrelationStore, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		pre, err := p.PreMiddleware(req)
		if err != nil {
			log.Errorf("edge: pre-middleware for %s: %v", req.URL.Path, err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		if pre.Response != nil {
			writeResponse(w, pre.Response)
			return
		}

		id := store.Put(&State{Request: req, PreResult: pre})
		pre.Request.Header.Set(CorrelationHeader, id)
		next.ServeHTTP(w, pre.Request)

		// when the hop answers directly the post handler never claims the
		// state, drop it here
		store.Delete(id)
	})
}

// PostMiddlewareHandler resolves the request against the rewrite phases and
// the route tables and proxies it to the origin. Parked pre-middleware
// state is claimed by correlation id when present and restores the original
// request for the access log, spanning the whole pre-to-post flow.
func PostMiddlewareHandler(p *pipeline.Pipeline, store *CorrelationStore, origin reconcile.Dispatcher) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var state *State
		if store != nil {
			state = store.take(req)
		}

		post, err := p.PostMiddleware(req)
		if err != nil {
			log.Errorf("edge: post-middleware for %s: %v", req.URL.Path, err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}

		res, err := origin.Dispatch(req.Context(), post.Request)
		if err != nil {
			log.Errorf("edge: dispatching %s: %v", post.Request.URL.Path, err)
			http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
			return
		}
		status, size := writeResponse(w, res)

		if state != nil {
			logging.LogAccess(&logging.AccessEntry{
				Request:      state.Request,
				StatusCode:   status,
				ResponseSize: size,
				Duration:     time.Since(state.Created),
				RequestTime:  state.Created,
				MatchedPath:  post.MatchedPath,
			})
		}
	})
}
