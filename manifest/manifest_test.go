package manifest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleManifest = `{
	"version": 3,
	"basePath": "",
	"redirects": [
		{"source": "/old", "destination": "/new", "regex": "^/old$", "statusCode": 301}
	],
	"headers": [
		{"source": "/:path*", "regex": "^(?:/(.*))?$", "headers": [{"key": "x-frame-options", "value": "DENY"}]}
	],
	"rewrites": {
		"beforeFiles": [
			{"source": "/bf", "destination": "/bf-target", "regex": "^/bf$"}
		],
		"afterFiles": [
			{"source": "/af/:slug", "destination": "/pages/:slug", "regex": "^/af/([^/]+?)$"}
		],
		"fallback": [
			{"source": "/:path*", "destination": "/fallback", "regex": "^(?:/(.*))?$"}
		]
	},
	"dynamicRoutes": [
		{"page": "/blog/[slug]", "regex": "^/blog/([^/]+?)(?:/)?$"}
	]
}`

func TestDecode(t *testing.T) {
	m, err := Decode(strings.NewReader(sampleManifest))
	require.NoError(t, err)

	assert.Len(t, m.Redirects, 1)
	assert.Equal(t, 301, m.Redirects[0].Status())
	assert.Len(t, m.Headers, 1)
	assert.Len(t, m.Rewrites.BeforeFiles, 1)
	assert.Len(t, m.Rewrites.AfterFiles, 1)
	assert.Len(t, m.Rewrites.Fallback, 1)
	require.Len(t, m.DynamicRoutes, 1)

	assert.True(t, m.DynamicRoutes[0].Match("/blog/hello"))
	assert.True(t, m.DynamicRoutes[0].Match("/blog/hello/"))
	assert.False(t, m.DynamicRoutes[0].Match("/blog/a/b"))

	require.NoError(t, m.Validate())
}

func TestDecodeLegacyRewrites(t *testing.T) {
	m, err := Decode(strings.NewReader(`{
		"rewrites": [
			{"source": "/a", "destination": "/b", "regex": "^/a$"}
		]
	}`))
	require.NoError(t, err)

	assert.Empty(t, m.Rewrites.BeforeFiles)
	assert.Len(t, m.Rewrites.AfterFiles, 1)
}

func TestDecodeInvalid(t *testing.T) {
	for _, ti := range []struct {
		msg  string
		body string
	}{
		{"broken json", `{`},
		{"bad dynamic regex", `{"dynamicRoutes": [{"page": "/x", "regex": "("}]}`},
		{"bad rule regex", `{"redirects": [{"source": "/a", "destination": "/b", "regex": "("}]}`},
		{"missing source", `{"redirects": [{"destination": "/b"}]}`},
	} {
		if _, err := Decode(strings.NewReader(ti.body)); err == nil {
			t.Error(ti.msg, "failed to fail")
		}
	}
}

func TestValidate(t *testing.T) {
	m, err := Decode(strings.NewReader(`{
		"redirects": [{"source": "/a", "regex": "^/a$"}]
	}`))
	require.NoError(t, err)
	assert.ErrorContains(t, m.Validate(), "without destination")
}

func TestStaticRoutes(t *testing.T) {
	s, err := DecodeStaticRoutes(strings.NewReader(`["/about", "/favicon.ico"]`))
	require.NoError(t, err)

	assert.True(t, s.Contains("/about"))
	assert.True(t, s.Contains("/favicon.ico"))
	assert.False(t, s.Contains("/missing"))

	// anything under the reserved asset prefix is static
	assert.True(t, s.Contains("/_next/static/chunks/main-abc123.js"))
	assert.False(t, s.Contains("/_next/data/build/about.json"))
}
