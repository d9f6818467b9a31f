package pipeline

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/edgekit/nextroute/manifest"
	"github.com/edgekit/nextroute/rules"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func compileRewrite(t *testing.T, source, destination string) *rules.Rewrite {
	t.Helper()
	rw := &rules.Rewrite{Rule: rules.Rule{Source: source}, Destination: destination}
	require.NoError(t, rw.Compile())
	return rw
}

func compileRedirect(t *testing.T, source, destination string, status int) *rules.Redirect {
	t.Helper()
	rd := &rules.Redirect{Rule: rules.Rule{Source: source}, Destination: destination, StatusCode: status}
	require.NoError(t, rd.Compile())
	return rd
}

func compileHeaders(t *testing.T, source string, headers ...rules.Header) *rules.Headers {
	t.Helper()
	hr := &rules.Headers{Rule: rules.Rule{Source: source}, Headers: headers}
	require.NoError(t, hr.Compile())
	return hr
}

func TestPreMiddlewareHeaderOrdering(t *testing.T) {
	// all matching header rules apply, the LAST matching rule wins per key
	m := &manifest.RoutesManifest{
		Headers: []*rules.Headers{
			compileHeaders(t, "/:path*", rules.Header{Key: "x-tag", Value: "first"}),
			compileHeaders(t, "/page", rules.Header{Key: "x-tag", Value: "second"}),
			compileHeaders(t, "/other", rules.Header{Key: "x-tag", Value: "unrelated"}),
		},
	}
	p := New(Options{Manifest: m, Static: manifest.NewStaticRoutes()})

	req := httptest.NewRequest("GET", "/page", nil)
	result, err := p.PreMiddleware(req)
	require.NoError(t, err)

	require.NotNil(t, result.Request)
	assert.Equal(t, "second", result.Request.Header.Get("x-tag"))
}

func TestPreMiddlewareRedirectFirstMatchWins(t *testing.T) {
	m := &manifest.RoutesManifest{
		Redirects: []*rules.Redirect{
			compileRedirect(t, "/go/:where", "/first/:where", 307),
			compileRedirect(t, "/go/:where", "/second/:where", 301),
		},
	}
	p := New(Options{Manifest: m, Static: manifest.NewStaticRoutes()})

	result, err := p.PreMiddleware(httptest.NewRequest("GET", "/go/here", nil))
	require.NoError(t, err)

	require.NotNil(t, result.Response)
	assert.Equal(t, 307, result.Response.StatusCode)
	assert.Equal(t, "/first/here", result.Response.Header.Get("Location"))
}

func TestPostMiddlewareStaticShortCircuit(t *testing.T) {
	// a beforeFiles rewrite landing on a static route must return before
	// any afterFiles rule is evaluated
	m := &manifest.RoutesManifest{
		Rewrites: manifest.RewritePhases{
			BeforeFiles: []*rules.Rewrite{
				compileRewrite(t, "/landing", "/static-page"),
			},
			AfterFiles: []*rules.Rewrite{
				compileRewrite(t, "/static-page", "/must-not-apply"),
			},
		},
	}
	p := New(Options{Manifest: m, Static: manifest.NewStaticRoutes("/static-page")})

	result, err := p.PostMiddleware(httptest.NewRequest("GET", "/landing", nil))
	require.NoError(t, err)

	assert.True(t, result.StaticHit)
	assert.Equal(t, "/static-page", result.MatchedPath)
	assert.Equal(t, "/static-page", result.Request.URL.Path)
	assert.Equal(t, "/static-page", result.Request.Header.Get(MatchedPathHeader))
}

func TestPostMiddlewareBeforeFilesContinues(t *testing.T) {
	// without a static hit, later beforeFiles rules see the already
	// rewritten request
	m := &manifest.RoutesManifest{
		Rewrites: manifest.RewritePhases{
			BeforeFiles: []*rules.Rewrite{
				compileRewrite(t, "/one", "/two"),
				compileRewrite(t, "/two", "/three"),
			},
		},
	}
	p := New(Options{Manifest: m, Static: manifest.NewStaticRoutes()})

	result, err := p.PostMiddleware(httptest.NewRequest("GET", "/one", nil))
	require.NoError(t, err)
	assert.Equal(t, "/three", result.Request.URL.Path)
}

func TestPostMiddlewareAfterFilesStaticCheckPerRewrite(t *testing.T) {
	m := &manifest.RoutesManifest{
		Rewrites: manifest.RewritePhases{
			AfterFiles: []*rules.Rewrite{
				compileRewrite(t, "/a", "/static-hit"),
				compileRewrite(t, "/static-hit", "/must-not-apply"),
			},
		},
	}
	p := New(Options{Manifest: m, Static: manifest.NewStaticRoutes("/static-hit")})

	result, err := p.PostMiddleware(httptest.NewRequest("GET", "/a", nil))
	require.NoError(t, err)
	assert.True(t, result.StaticHit)
	assert.Equal(t, "/static-hit", result.Request.URL.Path)
}

func TestPostMiddlewareDynamicDispatch(t *testing.T) {
	m, err := manifest.Decode(strings.NewReader(`{
		"rewrites": {
			"afterFiles": [
				{"source": "/view/:slug", "destination": "/blog/:slug"}
			]
		},
		"dynamicRoutes": [
			{"page": "/blog/[slug]", "regex": "^/blog/([^/]+?)(?:/)?$"}
		]
	}`))
	require.NoError(t, err)
	p := New(Options{Manifest: m, Static: manifest.NewStaticRoutes()})

	result, err := p.PostMiddleware(httptest.NewRequest("GET", "/view/hello", nil))
	require.NoError(t, err)

	assert.True(t, result.DynamicHit)
	assert.Equal(t, "/blog/[slug]", result.MatchedPath)
	assert.Equal(t, "/blog/[slug]", result.Request.Header.Get(MatchedPathHeader))
	assert.Equal(t, "/blog/hello", result.Request.URL.Path)
}

func TestPostMiddlewareDynamicNeedsRewrite(t *testing.T) {
	// without a rewrite, dynamic routes are not consulted here, the origin
	// resolves them itself
	m, err := manifest.Decode(strings.NewReader(`{
		"dynamicRoutes": [
			{"page": "/blog/[slug]", "regex": "^/blog/([^/]+?)(?:/)?$"}
		]
	}`))
	require.NoError(t, err)
	p := New(Options{Manifest: m, Static: manifest.NewStaticRoutes()})

	result, err := p.PostMiddleware(httptest.NewRequest("GET", "/blog/hello", nil))
	require.NoError(t, err)

	assert.False(t, result.DynamicHit)
	assert.Empty(t, result.MatchedPath)
}

func TestPostMiddlewareBeforeFilesRewriteSkipsDynamic(t *testing.T) {
	// only afterFiles rewrites resolve against the dynamic route table, a
	// beforeFiles rewrite onto a dynamic path keeps falling through to the
	// fallback phase
	m, err := manifest.Decode(strings.NewReader(`{
		"rewrites": {
			"beforeFiles": [
				{"source": "/start", "destination": "/blog/hello"}
			],
			"fallback": [
				{"source": "/blog/:slug", "destination": "/rendered/:slug"}
			]
		},
		"dynamicRoutes": [
			{"page": "/blog/[slug]", "regex": "^/blog/([^/]+?)(?:/)?$"}
		]
	}`))
	require.NoError(t, err)
	p := New(Options{Manifest: m, Static: manifest.NewStaticRoutes()})

	result, err := p.PostMiddleware(httptest.NewRequest("GET", "/start", nil))
	require.NoError(t, err)

	assert.False(t, result.DynamicHit)
	assert.Equal(t, "/rendered/hello", result.Request.URL.Path)
	assert.Empty(t, result.Request.Header.Get(MatchedPathHeader))
}

func TestPostMiddlewareDataRoutes(t *testing.T) {
	m, err := manifest.Decode(strings.NewReader(`{
		"dynamicRoutes": [
			{"page": "/blog/[slug]", "regex": "^/blog/([^/]+?)(?:/)?$"},
			{"page": "/[[...rest]]", "regex": "^(?:/(.+?))?(?:/)?$"}
		]
	}`))
	require.NoError(t, err)
	p := New(Options{Manifest: m, Static: manifest.NewStaticRoutes(), BuildID: "b1"})

	for _, ti := range []struct {
		msg  string
		path string
		page string
	}{{
		msg:  "dynamic segment",
		path: "/_next/data/b1/blog/hello.json",
		page: "/blog/[slug]",
	}, {
		msg:  "root optional catch-all",
		path: "/_next/data/b1/a/b.json",
		page: "/[[...rest]]",
	}, {
		msg:  "root optional catch-all index form",
		path: "/_next/data/b1/index.json",
		page: "/[[...rest]]",
	}} {
		t.Run(ti.msg, func(t *testing.T) {
			result, err := p.PostMiddleware(httptest.NewRequest("GET", ti.path, nil))
			require.NoError(t, err)

			assert.True(t, result.DynamicHit)
			assert.Equal(t, ti.page, result.MatchedPath)
			assert.Equal(t, ti.page, result.Request.Header.Get(MatchedPathHeader))
		})
	}
}

func TestPostMiddlewareFallbackRecursion(t *testing.T) {
	// a fallback match re-enters resolution with beforeFiles skipped
	m := &manifest.RoutesManifest{
		Rewrites: manifest.RewritePhases{
			BeforeFiles: []*rules.Rewrite{
				compileRewrite(t, "/fb-target", "/must-not-apply"),
			},
			Fallback: []*rules.Rewrite{
				compileRewrite(t, "/missing", "/fb-target"),
			},
		},
	}
	p := New(Options{Manifest: m, Static: manifest.NewStaticRoutes()})

	result, err := p.PostMiddleware(httptest.NewRequest("GET", "/missing", nil))
	require.NoError(t, err)
	assert.Equal(t, "/fb-target", result.Request.URL.Path)
}

func TestPostMiddlewareFallbackLoopBounded(t *testing.T) {
	// a fallback that always rewrites onto itself must fail within the
	// configured bound, never hang
	m := &manifest.RoutesManifest{
		Rewrites: manifest.RewritePhases{
			Fallback: []*rules.Rewrite{
				compileRewrite(t, "/loop/:n", "/loop/:n"),
			},
		},
	}
	p := New(Options{Manifest: m, Static: manifest.NewStaticRoutes(), MaxFallbacks: 5})

	_, err := p.PostMiddleware(httptest.NewRequest("GET", "/loop/1", nil))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTooManyFallbacks))
}

func TestPostMiddlewareNoMatchPassthrough(t *testing.T) {
	m := &manifest.RoutesManifest{}
	p := New(Options{Manifest: m, Static: manifest.NewStaticRoutes()})

	req := httptest.NewRequest("GET", "/nothing-matches", nil)
	result, err := p.PostMiddleware(req)
	require.NoError(t, err)

	assert.False(t, result.StaticHit)
	assert.False(t, result.DynamicHit)
	assert.Equal(t, "/nothing-matches", result.Request.URL.Path)
}
