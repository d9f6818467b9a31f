// Package manifest loads the routes manifest and the static route set
// produced by the build step. Both are immutable after loading and shared
// read-only across concurrent request evaluations.
package manifest

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"

	"github.com/edgekit/nextroute/rules"
)

// DynamicRoute is a page whose path contains dynamic segments. At resolution
// time only the regex existence test matters, param extraction happens later
// in the origin server.
type DynamicRoute struct {
	Page  string `json:"page"`
	Regex string `json:"regex"`

	re *regexp.Regexp
}

// Match reports whether path is served by this route's page template.
func (d *DynamicRoute) Match(path string) bool {
	return d.re != nil && d.re.MatchString(path)
}

// RewritePhases are the three ordered rewrite phases relative to static-file
// and dynamic-route resolution.
type RewritePhases struct {
	BeforeFiles []*rules.Rewrite `json:"beforeFiles"`
	AfterFiles  []*rules.Rewrite `json:"afterFiles"`
	Fallback    []*rules.Rewrite `json:"fallback"`
}

// UnmarshalJSON accepts both the phased object form and the legacy plain
// array form, which maps entirely to afterFiles.
func (p *RewritePhases) UnmarshalJSON(b []byte) error {
	var legacy []*rules.Rewrite
	if err := json.Unmarshal(b, &legacy); err == nil {
		p.AfterFiles = legacy
		return nil
	}

	type phases RewritePhases
	var v phases
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*p = RewritePhases(v)
	return nil
}

// RoutesManifest is the immutable rule table of a deployed build.
type RoutesManifest struct {
	Version       int              `json:"version"`
	BasePath      string           `json:"basePath"`
	Redirects     []*rules.Redirect `json:"redirects"`
	Headers       []*rules.Headers  `json:"headers"`
	Rewrites      RewritePhases    `json:"rewrites"`
	DynamicRoutes []*DynamicRoute  `json:"dynamicRoutes"`
}

// Decode reads and compiles a routes manifest.
func Decode(r io.Reader) (*RoutesManifest, error) {
	var m RoutesManifest
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("manifest: decoding routes manifest: %w", err)
	}
	if err := m.compile(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Load reads and compiles a routes manifest from a file.
func Load(path string) (*RoutesManifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

func (m *RoutesManifest) compile() error {
	for _, r := range m.Redirects {
		if err := r.Compile(); err != nil {
			return fmt.Errorf("manifest: redirect: %w", err)
		}
	}
	for _, h := range m.Headers {
		if err := h.Compile(); err != nil {
			return fmt.Errorf("manifest: header rule: %w", err)
		}
	}
	for _, phase := range [][]*rules.Rewrite{
		m.Rewrites.BeforeFiles, m.Rewrites.AfterFiles, m.Rewrites.Fallback,
	} {
		for _, rw := range phase {
			if err := rw.Compile(); err != nil {
				return fmt.Errorf("manifest: rewrite: %w", err)
			}
		}
	}
	for _, d := range m.DynamicRoutes {
		re, err := regexp.Compile(d.Regex)
		if err != nil {
			return fmt.Errorf("manifest: dynamic route %q: %w", d.Page, err)
		}
		d.re = re
	}
	return nil
}

// Validate re-checks the compiled manifest invariants and reports the first
// violation, naming the offending rule. Compile already rejects invalid
// patterns, Validate additionally catches structural mistakes.
func (m *RoutesManifest) Validate() error {
	for _, r := range m.Redirects {
		if r.Destination == "" {
			return fmt.Errorf("manifest: redirect %q without destination", r.Source)
		}
	}
	for phase, list := range map[string][]*rules.Rewrite{
		"beforeFiles": m.Rewrites.BeforeFiles,
		"afterFiles":  m.Rewrites.AfterFiles,
		"fallback":    m.Rewrites.Fallback,
	} {
		for _, rw := range list {
			if rw.Destination == "" {
				return fmt.Errorf("manifest: %s rewrite %q without destination", phase, rw.Source)
			}
		}
	}
	for _, h := range m.Headers {
		if len(h.Headers) == 0 {
			return fmt.Errorf("manifest: header rule %q without headers", h.Source)
		}
	}
	return nil
}
