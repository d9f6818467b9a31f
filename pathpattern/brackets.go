package pathpattern

import "strings"

// NormalizeBrackets converts the bracket dynamic-route syntax to the colon
// form understood by Compile:
//
//	/blog/[slug]      -> /blog/:slug
//	/docs/[...path]   -> /docs/:path+
//	/[[...path]]      -> /:path*
//
// A catch-all requires at least one segment, an optional catch-all matches
// zero or more. Segments without brackets pass through unchanged.
func NormalizeBrackets(route string) string {
	segs := strings.Split(route, "/")
	for i, s := range segs {
		switch {
		case strings.HasPrefix(s, "[[...") && strings.HasSuffix(s, "]]"):
			segs[i] = ":" + SafeName(s[5:len(s)-2]) + "*"
		case strings.HasPrefix(s, "[...") && strings.HasSuffix(s, "]"):
			segs[i] = ":" + SafeName(s[4:len(s)-1]) + "+"
		case strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]"):
			segs[i] = ":" + SafeName(s[1:len(s)-1])
		}
	}
	return strings.Join(segs, "/")
}

// DataRoutes returns the route sources matching the data-request shape of a
// page (/_next/data/<buildID>/...json). The root page maps to /index.json.
// A top-level optional catch-all emits two entries, the param-ful form and
// the collapsed /index.json form, because the data-fetching convention
// differs from the page convention at the root.
func DataRoutes(page, buildID string) []string {
	page = NormalizeBrackets(page)
	prefix := "/_next/data/" + buildID

	if page == "/" {
		return []string{prefix + "/index.json"}
	}

	if isRootOptionalCatchAll(page) {
		return []string{
			prefix + page + ".json",
			prefix + "/index.json",
		}
	}

	return []string{prefix + page + ".json"}
}

// isRootOptionalCatchAll reports whether page is exactly an optional
// catch-all at the top level, e.g. /:slug*.
func isRootOptionalCatchAll(page string) bool {
	if !strings.HasPrefix(page, "/:") || !strings.HasSuffix(page, "*") {
		return false
	}
	name := page[2 : len(page)-1]
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		if !isNameChar(name[i]) {
			return false
		}
	}
	return true
}
