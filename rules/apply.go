package rules

import (
	"net/http"

	"github.com/edgekit/nextroute/pathpattern"
)

// SentinelHost is the placeholder hostname used by manifest builders to
// author absolute destinations without knowing the real host. It is replaced
// with the request host at apply time.
const SentinelHost = "n"

// ApplyRewrite builds the request resulting from a matched rewrite rule.
// The original request is not mutated: method, headers and body carry over,
// the URL points at the compiled destination and the captured params are
// appended to the query.
func ApplyRewrite(req *http.Request, rw *Rewrite, params pathpattern.Params) (*http.Request, error) {
	dest, err := PrepareDestination(DestinationOptions{
		Destination:         rw.Destination,
		Params:              params,
		Query:               req.URL.Query(),
		AppendParamsToQuery: true,
	})
	if err != nil {
		return nil, err
	}

	out := req.Clone(req.Context())
	out.URL.Path = dest.Path
	out.URL.RawPath = ""
	out.URL.RawQuery = dest.RawQuery
	if dest.Host != "" && dest.Hostname() != SentinelHost {
		out.URL.Scheme = dest.Scheme
		out.URL.Host = dest.Host
		out.Host = dest.Host
	}
	return out, nil
}

// ApplyRedirect builds the HTTP redirect response of a matched redirect
// rule. The sentinel hostname collapses the Location to a relative target.
func ApplyRedirect(req *http.Request, rd *Redirect, params pathpattern.Params) (*http.Response, error) {
	dest, err := PrepareDestination(DestinationOptions{
		Destination: rd.Destination,
		Params:      params,
		Query:       req.URL.Query(),
	})
	if err != nil {
		return nil, err
	}

	if dest.Hostname() == SentinelHost {
		dest.Host = requestHost(req)
		if dest.Scheme == "" {
			dest.Scheme = requestScheme(req)
		}
	}
	location := dest.String()

	header := http.Header{}
	header.Set("Location", location)
	return &http.Response{
		StatusCode: rd.Status(),
		Status:     http.StatusText(rd.Status()),
		Header:     header,
		Body:       http.NoBody,
		Request:    req,
	}, nil
}

func requestHost(req *http.Request) string {
	if req.Host != "" {
		return req.Host
	}
	return req.URL.Host
}

func requestScheme(req *http.Request) string {
	if proto := req.Header.Get("X-Forwarded-Proto"); proto != "" {
		return proto
	}
	if req.TLS != nil || req.URL.Scheme == "https" {
		return "https"
	}
	return "http"
}

// ApplyHeaders injects the rule's header pairs into h. When the rule match
// captured params, both key and value are template-interpolated, allowing
// dynamic header names. Param-free matches apply the pairs literally without
// touching the templates.
func ApplyHeaders(h http.Header, hr *Headers, params pathpattern.Params) error {
	for i, kv := range hr.Headers {
		key, value := kv.Key, kv.Value

		if len(params) > 0 {
			var err error
			key, err = renderTemplate(hr.keyTemplates[i], params)
			if err != nil {
				return err
			}
			value, err = renderTemplate(hr.valueTemplates[i], params)
			if err != nil {
				return err
			}
		}

		h.Set(key, value)
	}
	return nil
}
