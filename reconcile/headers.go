package reconcile

import (
	"net/http"
	"strings"
)

// Sentinel headers of the middleware control-plane protocol. These are part
// of the interop surface with the origin framework and must not change.
const (
	OverrideHeadersHeader = "x-middleware-override-headers"
	RequestHeaderPrefix   = "x-middleware-request-"
	RewriteHeader         = "x-middleware-rewrite"
	NextHeader            = "x-middleware-next"
	DataRequestHeader     = "x-nextjs-data"
	ClientRewriteHeader   = "x-nextjs-rewrite"
	ClientRedirectHeader  = "x-nextjs-redirect"

	// MiddlewareRanHeader marks a forwarded request so middleware is not
	// invoked a second time for it.
	MiddlewareRanHeader = "x-nextroute-middleware"
)

// UpdateModifiedHeaders materializes the header mutations the middleware
// signalled through the shadow-header protocol. The response's
// x-middleware-override-headers directive lists the request headers to
// keep; every other request header is deleted. Each kept name takes its
// value from the x-middleware-request-<name> shadow header, an empty shadow
// deletes the header. The shadows and the directive itself are stripped
// from the response. Calling it again on the stripped response is a no-op.
func UpdateModifiedHeaders(req, res http.Header) {
	directive := res.Get(OverrideHeadersHeader)
	if directive == "" {
		return
	}

	keep := map[string]bool{}
	var names []string
	for _, name := range strings.Split(directive, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		names = append(names, name)
		keep[http.CanonicalHeaderKey(name)] = true
	}

	// snapshot before mutating, deleting while ranging is not safe
	reqKeys := make([]string, 0, len(req))
	for k := range req {
		reqKeys = append(reqKeys, k)
	}
	for _, k := range reqKeys {
		if !keep[k] {
			req.Del(k)
		}
	}

	for _, name := range names {
		shadow := res.Get(RequestHeaderPrefix + name)
		if shadow == "" {
			req.Del(name)
		} else {
			req.Set(name, shadow)
		}
	}

	resKeys := make([]string, 0, len(res))
	for k := range res {
		resKeys = append(resKeys, k)
	}
	for _, k := range resKeys {
		if strings.HasPrefix(strings.ToLower(k), RequestHeaderPrefix) {
			res.Del(k)
		}
	}
	res.Del(OverrideHeadersHeader)
}

// mergeHeaders copies src entries onto dst. Set-Cookie is appended instead
// of replaced, cookies from independent response sources must accumulate.
func mergeHeaders(dst, src http.Header) {
	for k, vs := range src {
		if http.CanonicalHeaderKey(k) == "Set-Cookie" {
			for _, v := range vs {
				dst.Add("Set-Cookie", v)
			}
			continue
		}
		dst[http.CanonicalHeaderKey(k)] = append([]string(nil), vs...)
	}
}
