package rules

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/edgekit/nextroute/pathpattern"
)

// Internal query keys stripped from the request query before destination
// compilation. They belong to the framework's request plumbing, not to user
// rules.
var internalQueryKeys = []string{
	"__nextLocale",
	"__nextDefaultLocale",
	"__nextDataReq",
}

// escColon escapes :name tokens so the destination survives URL parsing.
// A destination like https://:subdomain.example.com would otherwise parse
// with an invalid host.
const escColon = "__ESC_COLON_"

func escapeSegment(s, name string) string {
	return strings.ReplaceAll(s, ":"+name, escColon+name)
}

func unescapeSegments(s string) string {
	return strings.ReplaceAll(s, escColon, ":")
}

// DestinationOptions parameterize PrepareDestination.
type DestinationOptions struct {
	// Destination is the target template of a rewrite or redirect rule.
	Destination string

	// Params captured by the rule match.
	Params pathpattern.Params

	// Query of the original request.
	Query url.Values

	// AppendParamsToQuery adds captured params that are not referenced by
	// the destination's own path or hostname to the target query.
	AppendParamsToQuery bool
}

// PrepareDestination compiles a destination template into a concrete target
// URL. Path and hostname are separate template universes, query values may
// themselves contain :param placeholders. The merged query is built with
// precedence request query < appended params < destination literal query.
func PrepareDestination(o DestinationOptions) (*url.URL, error) {
	query := url.Values{}
	for k, vs := range o.Query {
		query[k] = append([]string(nil), vs...)
	}
	for _, k := range internalQueryKeys {
		query.Del(k)
	}

	escaped := o.Destination
	for name := range o.Params {
		escaped = escapeSegment(escaped, name)
	}
	for name := range query {
		escaped = escapeSegment(escaped, name)
	}

	parsed, err := url.Parse(escaped)
	if err != nil {
		return nil, fmt.Errorf("rules: invalid destination %q: %w", o.Destination, err)
	}

	pathTemplate, err := pathpattern.Compile(unescapeSegments(parsed.Path))
	if err != nil {
		return nil, fmt.Errorf("rules: destination path of %q: %w", o.Destination, err)
	}
	// the hostname is compiled without the port, a literal port would read
	// as a numeric param
	hostTemplate, err := pathpattern.Compile(unescapeSegments(parsed.Hostname()))
	if err != nil {
		return nil, fmt.Errorf("rules: destination host of %q: %w", o.Destination, err)
	}

	destParams := map[string]bool{}
	for _, k := range pathTemplate.Keys() {
		destParams[k] = true
	}
	for _, k := range hostTemplate.Keys() {
		destParams[k] = true
	}

	// the destination's own query, with :param placeholders interpolated
	destQuery := url.Values{}
	for k, vs := range parsed.Query() {
		out := make([]string, len(vs))
		for i, v := range vs {
			v = unescapeSegments(v)
			if strings.Contains(v, ":") {
				t, err := pathpattern.Compile(v)
				if err != nil {
					return nil, fmt.Errorf("rules: destination query value %q: %w", v, err)
				}
				v, err = renderTemplate(t, o.Params)
				if err != nil {
					return nil, err
				}
			}
			out[i] = v
		}
		destQuery[unescapeSegments(k)] = out
	}

	merged := url.Values{}
	for k, vs := range query {
		merged[k] = vs
	}
	if o.AppendParamsToQuery {
		for name, p := range o.Params {
			if destParams[name] {
				continue
			}
			if _, ok := destQuery[name]; ok {
				continue
			}
			merged.Set(name, strings.Join(p.Values, "/"))
		}
	}
	for k, vs := range destQuery {
		merged[k] = vs
	}

	path, err := renderTemplate(pathTemplate, o.Params)
	if err != nil {
		return nil, err
	}
	host, err := renderTemplate(hostTemplate, o.Params)
	if err != nil {
		return nil, err
	}

	if port := parsed.Port(); port != "" && host != "" {
		host = host + ":" + port
	}

	target := *parsed
	target.Path = path
	target.RawPath = ""
	target.Host = host
	target.RawQuery = merged.Encode()
	return &target, nil
}

// renderTemplate expands a destination template, translating value-shape
// mismatches into the user-facing diagnostic about the missing * suffix.
func renderTemplate(t *pathpattern.Pattern, params pathpattern.Params) (string, error) {
	s, err := t.Render(params)
	if err != nil {
		if terr, ok := err.(*pathpattern.TemplateExpansionError); ok && terr.GotRepeated {
			return "", fmt.Errorf(
				"rules: to use a multi-match of %q in the destination you must add * at the end of the param name to signify it should repeat, e.g. :%s*: %w",
				terr.Name, terr.Name, err)
		}
		return "", err
	}
	return s, nil
}
