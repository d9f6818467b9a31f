// Package rules implements the route rule types of the routes manifest and
// their request-time evaluation: matching, destination compilation and
// application as rewrites, redirects or header injections.
package rules

import (
	"fmt"
	"net/http"
	"regexp"

	"github.com/edgekit/nextroute/conditions"
	"github.com/edgekit/nextroute/pathpattern"
)

// Rule is the matching half shared by rewrites, redirects and header rules.
// The manifest ships a precompiled regex equivalent of Source; the regex is
// used as a fast existence test only, the compiled source pattern stays
// authoritative for both existence and param extraction.
type Rule struct {
	Source  string                 `json:"source"`
	Regex   string                 `json:"regex"`
	Has     []conditions.Condition `json:"has,omitempty"`
	Missing []conditions.Condition `json:"missing,omitempty"`

	// BasePath and Locale opt the rule out of uniform base-path/locale
	// prefixing when explicitly false.
	BasePath *bool `json:"basePath,omitempty"`
	Locale   *bool `json:"locale,omitempty"`

	re      *regexp.Regexp
	pattern *pathpattern.Pattern
}

// Compile prepares the rule for request-time evaluation. It must be called
// once before Match, typically at manifest load.
func (r *Rule) Compile() error {
	if r.Source == "" {
		return fmt.Errorf("rules: rule without source")
	}

	p, err := pathpattern.Compile(r.Source)
	if err != nil {
		return fmt.Errorf("rules: source %q: %w", r.Source, err)
	}
	r.pattern = p

	// manifests predating the precompiled regex field leave it empty, the
	// compiled source pattern then serves both roles
	if r.Regex != "" {
		re, err := regexp.Compile(r.Regex)
		if err != nil {
			return fmt.Errorf("rules: regex of %q: %w", r.Source, err)
		}
		r.re = re
	}

	for i := range r.Has {
		if err := r.Has[i].Compile(); err != nil {
			return fmt.Errorf("rules: has condition of %q: %w", r.Source, err)
		}
	}
	for i := range r.Missing {
		if err := r.Missing[i].Compile(); err != nil {
			return fmt.Errorf("rules: missing condition of %q: %w", r.Source, err)
		}
	}

	return nil
}

// Match evaluates the rule against req. The order is fixed: regex fast
// reject, has/missing conditions, then the authoritative source pattern
// which extracts the named params. Condition captures are merged first, path
// params win on collision.
func (r *Rule) Match(req *http.Request) (pathpattern.Params, bool) {
	path := req.URL.Path

	if r.re != nil && !r.re.MatchString(path) {
		return nil, false
	}

	condParams, ok := conditions.Match(req, nil, r.Has, r.Missing)
	if !ok {
		return nil, false
	}

	pathParams, ok := r.pattern.Match(path)
	if !ok {
		return nil, false
	}

	params := pathpattern.Params{}
	params.Merge(condParams)
	params.Merge(pathParams)
	return params, true
}

// Pattern returns the compiled source pattern. Nil before Compile.
func (r *Rule) Pattern() *pathpattern.Pattern { return r.pattern }

// Rewrite retargets a matching request internally.
type Rewrite struct {
	Rule
	Destination string `json:"destination"`
}

// Redirect answers a matching request with an HTTP redirect.
type Redirect struct {
	Rule
	Destination string `json:"destination"`
	StatusCode  int    `json:"statusCode,omitempty"`
	Permanent   bool   `json:"permanent,omitempty"`
}

// Status returns the redirect status code: the explicit code if set, 308
// for permanent redirects, 307 otherwise.
func (r *Redirect) Status() int {
	if r.StatusCode != 0 {
		return r.StatusCode
	}
	if r.Permanent {
		return http.StatusPermanentRedirect
	}
	return http.StatusTemporaryRedirect
}

// Header is one injected header pair. Key and value are independently
// template-interpolated when the rule captured params.
type Header struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Headers injects response/request headers for matching requests. All
// matching header rules apply in manifest order, later values overriding
// earlier ones for the same key.
type Headers struct {
	Rule
	Headers []Header `json:"headers"`

	keyTemplates   []*pathpattern.Pattern
	valueTemplates []*pathpattern.Pattern
}

// Compile prepares the rule and its header templates.
func (h *Headers) Compile() error {
	if err := h.Rule.Compile(); err != nil {
		return err
	}

	h.keyTemplates = make([]*pathpattern.Pattern, len(h.Headers))
	h.valueTemplates = make([]*pathpattern.Pattern, len(h.Headers))
	for i, kv := range h.Headers {
		kp, err := pathpattern.Compile(kv.Key)
		if err != nil {
			return fmt.Errorf("rules: header key %q: %w", kv.Key, err)
		}
		vp, err := pathpattern.Compile(kv.Value)
		if err != nil {
			return fmt.Errorf("rules: header value %q: %w", kv.Value, err)
		}
		h.keyTemplates[i] = kp
		h.valueTemplates[i] = vp
	}

	return nil
}
