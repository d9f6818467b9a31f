// Package pipeline orchestrates the ordered application of header, redirect
// and rewrite rules against the static route set and the dynamic route
// table. The work is split into the stage that runs before the middleware
// hop and the stage that runs after it, because the hosting platform may
// invoke middleware as a separate function.
package pipeline

import (
	"errors"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/edgekit/nextroute/manifest"
	"github.com/edgekit/nextroute/pathpattern"
	"github.com/edgekit/nextroute/rules"
)

// MatchedPathHeader tells the origin dispatcher which logical page or route
// template serves the request.
const MatchedPathHeader = "X-Matched-Path"

// DefaultMaxFallbacks bounds the fallback rewrite recursion.
const DefaultMaxFallbacks = 10

// ErrTooManyFallbacks reports a fallback rewrite cycle in the manifest. It
// is a manifest-authoring bug, not a request-specific condition.
var ErrTooManyFallbacks = errors.New("fallback rewrite loop detected")

// Metrics is notified of rule applications and route resolutions. The
// interface is satisfied by the prometheus backend of the metrics package.
type Metrics interface {
	IncHeaderRule()
	IncRedirect(code int)
	IncRewrite(phase string)
	IncStaticHit()
	IncDynamicHit()
	IncFallbackLoop()
}

type noopMetrics struct{}

func (noopMetrics) IncHeaderRule()    {}
func (noopMetrics) IncRedirect(int)   {}
func (noopMetrics) IncRewrite(string) {}
func (noopMetrics) IncStaticHit()     {}
func (noopMetrics) IncDynamicHit()    {}
func (noopMetrics) IncFallbackLoop()  {}

// Options configure a Pipeline.
type Options struct {
	Manifest *manifest.RoutesManifest
	Static   *manifest.StaticRoutes

	// MaxFallbacks bounds the fallback recursion, DefaultMaxFallbacks when
	// zero.
	MaxFallbacks int

	// BuildID of the deployed artifact. When set, data requests for the
	// dynamic routes are resolved through their /_next/data translations.
	BuildID string

	// Metrics receives rule application counts, optional.
	Metrics Metrics
}

// Pipeline evaluates the manifest rules for one request at a time. It holds
// only immutable state and is safe for concurrent use.
type Pipeline struct {
	manifest     *manifest.RoutesManifest
	static       *manifest.StaticRoutes
	dataRoutes   []dataRoute
	maxFallbacks int
	metrics      Metrics
}

// dataRoute matches the /_next/data request forms of one dynamic route.
type dataRoute struct {
	page     string
	patterns []*pathpattern.Pattern
}

// New creates a Pipeline.
func New(o Options) *Pipeline {
	max := o.MaxFallbacks
	if max <= 0 {
		max = DefaultMaxFallbacks
	}

	m := o.Metrics
	if m == nil {
		m = noopMetrics{}
	}

	return &Pipeline{
		manifest:     o.Manifest,
		static:       o.Static,
		dataRoutes:   compileDataRoutes(o.Manifest, o.BuildID),
		maxFallbacks: max,
		metrics:      m,
	}
}

func compileDataRoutes(m *manifest.RoutesManifest, buildID string) []dataRoute {
	if m == nil || buildID == "" {
		return nil
	}

	var routes []dataRoute
	for _, d := range m.DynamicRoutes {
		dr := dataRoute{page: d.Page}
		for _, src := range pathpattern.DataRoutes(d.Page, buildID) {
			p, err := pathpattern.Compile(src)
			if err != nil {
				log.Errorf("skipping data route %s for page %s: %v", src, d.Page, err)
				continue
			}
			dr.patterns = append(dr.patterns, p)
		}
		if len(dr.patterns) > 0 {
			routes = append(routes, dr)
		}
	}

	return routes
}

// Result is the terminal outcome of a pipeline stage. Either Response is
// set (a redirect, only produced by PreMiddleware) or Request carries the
// possibly rewritten request for the next hop.
type Result struct {
	Request  *http.Request
	Response *http.Response

	// MatchedPath is the stamped route template on a static or dynamic hit.
	MatchedPath string

	StaticHit  bool
	DynamicHit bool
	Rewritten  bool
}

// PreMiddleware applies all matching header rules in manifest order, later
// values winning on key collision, then the redirect rules first-match-wins.
// A matched redirect short-circuits into Result.Response.
func (p *Pipeline) PreMiddleware(req *http.Request) (*Result, error) {
	for _, hr := range p.manifest.Headers {
		params, ok := hr.Match(req)
		if !ok {
			continue
		}
		if err := rules.ApplyHeaders(req.Header, hr, params); err != nil {
			return nil, err
		}
		p.metrics.IncHeaderRule()
	}

	for _, rd := range p.manifest.Redirects {
		params, ok := rd.Match(req)
		if !ok {
			continue
		}
		res, err := rules.ApplyRedirect(req, rd, params)
		if err != nil {
			return nil, err
		}
		p.metrics.IncRedirect(res.StatusCode)
		return &Result{Response: res}, nil
	}

	return &Result{Request: req}, nil
}

// PostMiddleware resolves the request against the rewrite phases, the
// static route set and the dynamic route table. When nothing matches, the
// request is returned unchanged for the origin to render its not-found
// page.
func (p *Pipeline) PostMiddleware(req *http.Request) (*Result, error) {
	return p.resolve(req, false, p.maxFallbacks)
}

func (p *Pipeline) resolve(req *http.Request, skipBeforeFiles bool, budget int) (*Result, error) {
	result := req
	rewritten := false
	afterRewritten := false

	// beforeFiles rewrites keep evaluating the remaining rules against the
	// already-rewritten request, stopping early only on a static hit
	if !skipBeforeFiles {
		for _, rw := range p.manifest.Rewrites.BeforeFiles {
			params, ok := rw.Match(result)
			if !ok {
				continue
			}
			next, err := rules.ApplyRewrite(result, rw, params)
			if err != nil {
				return nil, err
			}
			result = next
			rewritten = true
			p.metrics.IncRewrite("beforeFiles")
			if p.static.Contains(result.URL.Path) {
				break
			}
		}
	}

	if p.static.Contains(result.URL.Path) {
		return p.staticHit(result, rewritten), nil
	}

	// data requests address the dynamic routes through their /_next/data
	// forms, resolved here alongside the static route set
	for _, dr := range p.dataRoutes {
		for _, pat := range dr.patterns {
			if _, ok := pat.Match(result.URL.Path); !ok {
				continue
			}
			result.Header.Set(MatchedPathHeader, dr.page)
			p.metrics.IncDynamicHit()
			return &Result{
				Request:     result,
				MatchedPath: dr.page,
				DynamicHit:  true,
				Rewritten:   rewritten,
			}, nil
		}
	}

	for _, rw := range p.manifest.Rewrites.AfterFiles {
		params, ok := rw.Match(result)
		if !ok {
			continue
		}
		next, err := rules.ApplyRewrite(result, rw, params)
		if err != nil {
			return nil, err
		}
		result = next
		rewritten = true
		afterRewritten = true
		p.metrics.IncRewrite("afterFiles")
		if p.static.Contains(result.URL.Path) {
			return p.staticHit(result, rewritten), nil
		}
	}

	// only an afterFiles rewrite resolves against the dynamic route table,
	// a beforeFiles rewrite onto a dynamic path still falls through to the
	// fallback phase
	if afterRewritten {
		for _, d := range p.manifest.DynamicRoutes {
			if d.Match(result.URL.Path) {
				result.Header.Set(MatchedPathHeader, d.Page)
				p.metrics.IncDynamicHit()
				return &Result{
					Request:     result,
					MatchedPath: d.Page,
					DynamicHit:  true,
					Rewritten:   true,
				}, nil
			}
		}
	}

	for _, rw := range p.manifest.Rewrites.Fallback {
		params, ok := rw.Match(result)
		if !ok {
			continue
		}
		next, err := rules.ApplyRewrite(result, rw, params)
		if err != nil {
			return nil, err
		}
		if budget <= 0 {
			p.metrics.IncFallbackLoop()
			return nil, ErrTooManyFallbacks
		}
		// beforeFiles must not re-run on re-entry
		p.metrics.IncRewrite("fallback")
		return p.resolve(next, true, budget-1)
	}

	return &Result{Request: result, Rewritten: rewritten}, nil
}

func (p *Pipeline) staticHit(req *http.Request, rewritten bool) *Result {
	req.Header.Set(MatchedPathHeader, req.URL.Path)
	p.metrics.IncStaticHit()
	return &Result{
		Request:     req,
		MatchedPath: req.URL.Path,
		StaticHit:   true,
		Rewritten:   rewritten,
	}
}
