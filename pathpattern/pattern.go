// Package pathpattern compiles route source patterns into path matchers and
// destination renderers.
//
// The supported syntax follows the route source conventions of the upstream
// web framework: named segments (:name), repeatable segments (:name* and
// :name+), optional segments (:name?) and inline regexps (:name(\d+)). The
// legacy bracket syntax ([name], [...name], [[...name]]) is normalized to the
// colon form before compiling, see NormalizeBrackets.
package pathpattern

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Param is a single captured value. Repeated params (captured by a * or +
// token) hold one entry per path segment.
type Param struct {
	Values   []string
	Repeated bool
}

// Params is the bag of values captured by a pattern or condition match.
type Params map[string]Param

// Single wraps a scalar value.
func Single(v string) Param { return Param{Values: []string{v}} }

// Multi wraps a multi-segment value captured by a repeatable token.
func Multi(vs ...string) Param { return Param{Values: vs, Repeated: true} }

// Get returns the first value for name, or the empty string.
func (p Params) Get(name string) string {
	v, ok := p[name]
	if !ok || len(v.Values) == 0 {
		return ""
	}
	return v.Values[0]
}

// Merge copies all entries of o into p, overwriting on collision.
func (p Params) Merge(o Params) {
	for k, v := range o {
		p[k] = v
	}
}

// TemplateExpansionError is returned when rendering a template with a value
// shape incompatible with the token's repeat declaration.
type TemplateExpansionError struct {
	// Name is the offending param.
	Name string

	// GotRepeated is true when a multi-valued param was supplied for a
	// singular token, false when a repeatable token received a scalar.
	GotRepeated bool
}

func (e *TemplateExpansionError) Error() string {
	if e.GotRepeated {
		return fmt.Sprintf("expected %q to not repeat, but got an array", e.Name)
	}
	return fmt.Sprintf("expected %q to be an array of segments", e.Name)
}

type token struct {
	// literal text when name is empty
	text string

	name     string
	pattern  string
	prefix   string
	modifier byte // 0, '?', '*' or '+'
}

func (t *token) literal() bool  { return t.name == "" }
func (t *token) optional() bool { return t.modifier == '?' || t.modifier == '*' }
func (t *token) repeated() bool { return t.modifier == '*' || t.modifier == '+' }

const defaultPattern = `[^/#?]+?`

// Pattern is a compiled route source. It is immutable and safe for
// concurrent use.
type Pattern struct {
	source string
	tokens []token
	re     *regexp.Regexp
	keys   []string
}

// Compile parses a route source into a Pattern. Bracket-form dynamic
// segments are normalized to the colon form first.
func Compile(source string) (*Pattern, error) {
	tokens, err := tokenize(NormalizeBrackets(source))
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	sb.WriteString("(?i)^")
	var keys []string
	for i := range tokens {
		t := &tokens[i]
		if t.literal() {
			sb.WriteString(regexp.QuoteMeta(t.text))
			continue
		}

		keys = append(keys, t.name)
		prefix := regexp.QuoteMeta(t.prefix)
		pt := t.pattern
		if pt == "" {
			pt = defaultPattern
		}

		if t.repeated() {
			fmt.Fprintf(&sb, "(?:%s((?:%s)(?:%s(?:%s))*))", prefix, pt, prefix, pt)
			if t.modifier == '*' {
				sb.WriteByte('?')
			}
		} else if t.modifier == '?' {
			fmt.Fprintf(&sb, "(?:%s(%s))?", prefix, pt)
		} else {
			fmt.Fprintf(&sb, "%s(%s)", prefix, pt)
		}
	}
	sb.WriteString("$")

	re, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, fmt.Errorf("pathpattern: compiling %q: %w", source, err)
	}

	return &Pattern{source: source, tokens: tokens, re: re, keys: keys}, nil
}

// MustCompile is like Compile but panics on error. For use with sources
// known valid at program start.
func MustCompile(source string) *Pattern {
	p, err := Compile(source)
	if err != nil {
		panic(err)
	}
	return p
}

// Source returns the source the pattern was compiled from.
func (p *Pattern) Source() string { return p.source }

// Keys returns the param names of the pattern in source order.
func (p *Pattern) Keys() []string { return p.keys }

// HasKey reports whether name is a param of the pattern.
func (p *Pattern) HasKey(name string) bool {
	for _, k := range p.keys {
		if k == name {
			return true
		}
	}
	return false
}

// Match tests path against the pattern. On success it returns the captured
// params with URL-decoded segment values. Repeated tokens capture every
// matched segment. Failure to decode a segment counts as no match.
func (p *Pattern) Match(path string) (Params, bool) {
	m := p.re.FindStringSubmatch(path)
	if m == nil {
		return nil, false
	}

	params := Params{}
	gi := 1
	for i := range p.tokens {
		t := &p.tokens[i]
		if t.literal() {
			continue
		}

		raw := m[gi]
		gi++
		if raw == "" && t.optional() {
			continue
		}

		if t.repeated() {
			sep := t.prefix
			if sep == "" {
				sep = "/"
			}
			segs := strings.Split(raw, sep)
			decoded := make([]string, len(segs))
			for j, s := range segs {
				d, err := url.PathUnescape(s)
				if err != nil {
					return nil, false
				}
				decoded[j] = d
			}
			params[t.name] = Multi(decoded...)
			continue
		}

		d, err := url.PathUnescape(raw)
		if err != nil {
			return nil, false
		}
		params[t.name] = Single(d)
	}

	return params, true
}

// MatchString reports whether path matches without extracting params.
func (p *Pattern) MatchString(path string) bool {
	return p.re.MatchString(path)
}

// Render expands the pattern with the given params. Values are inserted
// verbatim, escaping is left to the URL assembly of the caller. A
// multi-valued param on a singular token, or a scalar on a repeatable token,
// yields a *TemplateExpansionError.
func (p *Pattern) Render(params Params) (string, error) {
	var sb strings.Builder
	for i := range p.tokens {
		t := &p.tokens[i]
		if t.literal() {
			sb.WriteString(t.text)
			continue
		}

		v, ok := params[t.name]
		if !ok || len(v.Values) == 0 {
			if t.optional() {
				continue
			}
			return "", fmt.Errorf("pathpattern: no value provided for %q in %q", t.name, p.source)
		}

		if t.repeated() {
			if !v.Repeated && len(v.Values) == 1 {
				return "", &TemplateExpansionError{Name: t.name}
			}
			sep := t.prefix
			if sep == "" {
				sep = "/"
			}
			sb.WriteString(t.prefix)
			sb.WriteString(strings.Join(v.Values, sep))
			continue
		}

		if v.Repeated || len(v.Values) > 1 {
			return "", &TemplateExpansionError{Name: t.name, GotRepeated: true}
		}
		sb.WriteString(t.prefix)
		sb.WriteString(v.Values[0])
	}

	return sb.String(), nil
}

func tokenize(source string) ([]token, error) {
	var (
		tokens  []token
		literal strings.Builder
	)

	flushLiteral := func() {
		if literal.Len() > 0 {
			tokens = append(tokens, token{text: literal.String()})
			literal.Reset()
		}
	}

	for i := 0; i < len(source); i++ {
		c := source[i]

		if c == '\\' && i+1 < len(source) {
			literal.WriteByte(source[i+1])
			i++
			continue
		}

		if c != ':' {
			literal.WriteByte(c)
			continue
		}

		// param name
		j := i + 1
		for j < len(source) && isNameChar(source[j]) {
			j++
		}
		if j == i+1 {
			return nil, fmt.Errorf("pathpattern: missing param name at index %d in %q", i, source)
		}
		t := token{name: source[i+1 : j]}
		i = j - 1

		// the single preceding delimiter becomes the token prefix
		if l := literal.String(); l != "" {
			if last := l[len(l)-1]; last == '/' || last == '.' {
				literal.Reset()
				literal.WriteString(l[:len(l)-1])
				t.prefix = string(last)
			}
		}
		flushLiteral()

		// inline pattern
		if i+1 < len(source) && source[i+1] == '(' {
			depth := 0
			k := i + 1
			for ; k < len(source); k++ {
				if source[k] == '\\' {
					k++
					continue
				}
				if source[k] == '(' {
					depth++
				} else if source[k] == ')' {
					depth--
					if depth == 0 {
						break
					}
				}
			}
			if depth != 0 {
				return nil, fmt.Errorf("pathpattern: unbalanced pattern at index %d in %q", i+1, source)
			}
			t.pattern = source[i+2 : k]
			if strings.HasPrefix(t.pattern, "?<") || strings.HasPrefix(t.pattern, "?P<") {
				return nil, fmt.Errorf("pathpattern: named groups are not allowed in inline patterns: %q", source)
			}
			i = k
		}

		// modifier
		if i+1 < len(source) {
			switch source[i+1] {
			case '*', '+', '?':
				t.modifier = source[i+1]
				i++
			}
		}

		tokens = append(tokens, t)
	}
	flushLiteral()

	return tokens, nil
}

func isNameChar(c byte) bool {
	return c == '_' ||
		(c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9')
}

// SafeName strips every character that is not an ASCII letter from a
// captured param name. Digits are dropped too, mirroring the upstream
// framework's restriction. The result may be empty.
func SafeName(name string) string {
	var sb strings.Builder
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') {
			sb.WriteByte(c)
		}
	}
	return sb.String()
}
