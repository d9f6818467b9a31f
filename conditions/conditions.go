// Package conditions evaluates the has/missing condition lists of route
// rules against an incoming request. A failed condition is normal control
// flow and reported as a boolean, never as an error.
package conditions

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"

	"github.com/edgekit/nextroute/pathpattern"
)

// Kind selects the request attribute a condition inspects.
type Kind string

const (
	KindHeader Kind = "header"
	KindCookie Kind = "cookie"
	KindQuery  Kind = "query"
	KindHost   Kind = "host"
)

// Condition is a single has/missing entry of a route rule. An absent Value
// means bare existence: the looked-up value is captured verbatim under Key.
// A present Value is compiled anchored (^value$) and may contain one named
// capture group.
type Condition struct {
	Type  Kind   `json:"type"`
	Key   string `json:"key,omitempty"`
	Value string `json:"value,omitempty"`
}

var (
	exprMu    sync.RWMutex
	exprCache = map[string]*regexp.Regexp{}
)

func compileValue(value string) (*regexp.Regexp, error) {
	exprMu.RLock()
	re, ok := exprCache[value]
	exprMu.RUnlock()
	if ok {
		return re, nil
	}

	re, err := regexp.Compile("^(?:" + value + ")$")
	if err != nil {
		return nil, err
	}

	exprMu.Lock()
	exprCache[value] = re
	exprMu.Unlock()
	return re, nil
}

// Compile checks that the condition's value expression is valid. Rules call
// this once at manifest load so request-time evaluation cannot fail.
func (c *Condition) Compile() error {
	switch c.Type {
	case KindHeader, KindCookie, KindQuery, KindHost:
	default:
		return fmt.Errorf("conditions: unknown condition type %q", c.Type)
	}
	if c.Type != KindHost && c.Key == "" {
		return fmt.Errorf("conditions: %s condition requires a key", c.Type)
	}
	if c.Value == "" {
		return nil
	}
	_, err := compileValue(c.Value)
	if err != nil {
		return fmt.Errorf("conditions: invalid value expression %q: %w", c.Value, err)
	}
	return nil
}

// Match evaluates the has and missing lists against req. All has conditions
// must match and no missing condition may match. Captured values are merged
// into a copy of params, which is returned on success.
func Match(req *http.Request, params pathpattern.Params, has, missing []Condition) (pathpattern.Params, bool) {
	out := pathpattern.Params{}
	out.Merge(params)

	for i := range has {
		captured, ok := matchOne(req, &has[i])
		if !ok {
			return nil, false
		}
		out.Merge(captured)
	}

	for i := range missing {
		if _, ok := matchOne(req, &missing[i]); ok {
			return nil, false
		}
	}

	return out, true
}

// matchOne evaluates a single condition, returning any captured params.
func matchOne(req *http.Request, c *Condition) (pathpattern.Params, bool) {
	var (
		value string
		found bool
	)

	switch c.Type {
	case KindHeader:
		value = req.Header.Get(c.Key)
		found = len(req.Header.Values(c.Key)) > 0
	case KindCookie:
		value, found = cookieValue(req, c.Key)
	case KindQuery:
		// repeated query keys: only the last value is tested
		vs, ok := req.URL.Query()[c.Key]
		if ok && len(vs) > 0 {
			value = vs[len(vs)-1]
			found = true
		}
	case KindHost:
		value = requestHost(req)
		found = value != ""
	default:
		return nil, false
	}

	if !found {
		return nil, false
	}

	if c.Value == "" {
		params := pathpattern.Params{}
		if key := pathpattern.SafeName(c.Key); key != "" {
			params[key] = pathpattern.Single(value)
		}
		return params, true
	}

	re, err := compileValue(c.Value)
	if err != nil {
		return nil, false
	}

	m := re.FindStringSubmatch(value)
	if m == nil {
		return nil, false
	}

	params := pathpattern.Params{}
	captured := false
	for gi, name := range re.SubexpNames() {
		if gi == 0 || name == "" {
			continue
		}
		if key := pathpattern.SafeName(name); key != "" {
			params[key] = pathpattern.Single(m[gi])
			captured = true
		}
	}

	// a host match with no named groups still captures the whole match
	if !captured && c.Type == KindHost {
		params["host"] = pathpattern.Single(m[0])
	}

	return params, true
}

func cookieValue(req *http.Request, name string) (string, bool) {
	// last wins on duplicate cookie names
	var (
		value string
		found bool
	)
	for _, c := range req.Cookies() {
		if c.Name == name {
			value = c.Value
			found = true
		}
	}
	return value, found
}

func requestHost(req *http.Request) string {
	h := req.Host
	if h == "" {
		h = req.URL.Host
	}
	if i := strings.IndexByte(h, ':'); i >= 0 {
		h = h[:i]
	}
	return h
}
