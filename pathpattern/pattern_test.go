package pathpattern

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMatch(t *testing.T) {
	for _, ti := range []struct {
		msg    string
		source string
		path   string
		params Params
		noMatch bool
	}{{
		msg:    "static",
		source: "/about",
		path:   "/about",
		params: Params{},
	}, {
		msg:     "static no match",
		source:  "/about",
		path:    "/about/us",
		noMatch: true,
	}, {
		msg:    "named segment",
		source: "/blog/:post",
		path:   "/blog/hello-world",
		params: Params{"post": Single("hello-world")},
	}, {
		msg:    "named segment with inline pattern",
		source: `/old-blog/:post(\d{1,})`,
		path:   "/old-blog/123",
		params: Params{"post": Single("123")},
	}, {
		msg:     "inline pattern rejects",
		source:  `/old-blog/:post(\d{1,})`,
		path:    "/old-blog/abc",
		noMatch: true,
	}, {
		msg:    "catch-all",
		source: "/docs/:path+",
		path:   "/docs/a/b/c",
		params: Params{"path": Multi("a", "b", "c")},
	}, {
		msg:     "catch-all needs a segment",
		source:  "/docs/:path+",
		path:    "/docs",
		noMatch: true,
	}, {
		msg:    "optional catch-all empty",
		source: "/docs/:path*",
		path:   "/docs",
		params: Params{},
	}, {
		msg:    "optional catch-all segments",
		source: "/docs/:path*",
		path:   "/docs/x/y",
		params: Params{"path": Multi("x", "y")},
	}, {
		msg:    "optional segment absent",
		source: "/files/:name?",
		path:   "/files",
		params: Params{},
	}, {
		msg:    "optional segment present",
		source: "/files/:name?",
		path:   "/files/readme",
		params: Params{"name": Single("readme")},
	}, {
		msg:    "decodes segments",
		source: "/blog/:post",
		path:   "/blog/hello%20world",
		params: Params{"post": Single("hello world")},
	}, {
		msg:    "case insensitive",
		source: "/Blog/:post",
		path:   "/blog/x",
		params: Params{"post": Single("x")},
	}, {
		msg:    "multiple params",
		source: "/:lang/posts/:id",
		path:   "/en/posts/42",
		params: Params{"lang": Single("en"), "id": Single("42")},
	}, {
		msg:    "bracket segment",
		source: "/blog/[slug]",
		path:   "/blog/123",
		params: Params{"slug": Single("123")},
	}, {
		msg:    "bracket catch-all",
		source: "/docs/[...path]",
		path:   "/docs/a/b",
		params: Params{"path": Multi("a", "b")},
	}, {
		msg:    "bracket optional catch-all empty",
		source: "/shop/[[...rest]]",
		path:   "/shop",
		params: Params{},
	}} {
		t.Run(ti.msg, func(t *testing.T) {
			p, err := Compile(ti.source)
			if err != nil {
				t.Fatal(err)
			}

			params, ok := p.Match(ti.path)
			if ti.noMatch {
				if ok {
					t.Fatalf("unexpected match: %v", params)
				}
				return
			}

			if !ok {
				t.Fatal("failed to match")
			}

			if d := cmp.Diff(ti.params, params); d != "" {
				t.Errorf("params mismatch (-want +got):\n%s", d)
			}
		})
	}
}

func TestRender(t *testing.T) {
	for _, ti := range []struct {
		msg      string
		source   string
		params   Params
		expected string
	}{{
		msg:      "named",
		source:   "/blog/:post",
		params:   Params{"post": Single("123")},
		expected: "/blog/123",
	}, {
		msg:      "catch-all joins segments",
		source:   "/with-params/:path*",
		params:   Params{"path": Multi("something", "else")},
		expected: "/with-params/something/else",
	}, {
		msg:      "optional omitted",
		source:   "/files/:name?",
		params:   Params{},
		expected: "/files",
	}, {
		msg:      "hostname template",
		source:   ":subdomain.example.com",
		params:   Params{"subdomain": Single("hello")},
		expected: "hello.example.com",
	}} {
		t.Run(ti.msg, func(t *testing.T) {
			p, err := Compile(ti.source)
			if err != nil {
				t.Fatal(err)
			}

			s, err := p.Render(ti.params)
			if err != nil {
				t.Fatal(err)
			}

			if s != ti.expected {
				t.Errorf("got %q, expected %q", s, ti.expected)
			}
		})
	}
}

func TestRenderExpansionErrors(t *testing.T) {
	t.Run("array for singular token", func(t *testing.T) {
		p := MustCompile("/blog/:post")
		_, err := p.Render(Params{"post": Multi("a", "b")})
		var terr *TemplateExpansionError
		if !errors.As(err, &terr) {
			t.Fatalf("expected TemplateExpansionError, got %v", err)
		}
		if terr.Name != "post" || !terr.GotRepeated {
			t.Errorf("unexpected error detail: %+v", terr)
		}
	})

	t.Run("scalar for repeated token", func(t *testing.T) {
		p := MustCompile("/docs/:path+")
		_, err := p.Render(Params{"path": Single("a")})
		var terr *TemplateExpansionError
		if !errors.As(err, &terr) {
			t.Fatalf("expected TemplateExpansionError, got %v", err)
		}
		if terr.Name != "path" || terr.GotRepeated {
			t.Errorf("unexpected error detail: %+v", terr)
		}
	})

	t.Run("missing required", func(t *testing.T) {
		p := MustCompile("/blog/:post")
		if _, err := p.Render(Params{}); err == nil {
			t.Error("failed to fail on missing param")
		}
	})
}

// Rendering the params extracted by a successful match must produce a path
// that matches again and re-extracts the same params.
func TestMatchRenderRoundTrip(t *testing.T) {
	for _, ti := range []struct {
		source string
		path   string
	}{
		{"/blog/:post", "/blog/first-post"},
		{"/docs/:path+", "/docs/a/b"},
		{"/docs/:path*", "/docs/a/b/c"},
		{`/old-blog/:post(\d{1,})`, "/old-blog/99"},
		{"/:lang/posts/:id", "/de/posts/7"},
	} {
		p := MustCompile(ti.source)
		params, ok := p.Match(ti.path)
		if !ok {
			t.Fatalf("%s: failed to match %s", ti.source, ti.path)
		}

		rendered, err := p.Render(params)
		if err != nil {
			t.Fatalf("%s: render: %v", ti.source, err)
		}

		again, ok := p.Match(rendered)
		if !ok {
			t.Fatalf("%s: rendered path %q does not match", ti.source, rendered)
		}

		if d := cmp.Diff(params, again); d != "" {
			t.Errorf("%s: params changed after round trip (-first +second):\n%s", ti.source, d)
		}
	}
}

func TestSafeName(t *testing.T) {
	for _, ti := range []struct{ in, out string }{
		{"subdomain", "subdomain"},
		{"sub-domain", "subdomain"},
		{"slug2", "slug"},
		{"x_y", "xy"},
		{"123", ""},
	} {
		if got := SafeName(ti.in); got != ti.out {
			t.Errorf("SafeName(%q) = %q, expected %q", ti.in, got, ti.out)
		}
	}
}
