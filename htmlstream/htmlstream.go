// Package htmlstream rewrites the text content of selected elements in a
// streamed HTML document. The document is tokenized and re-emitted as it
// arrives, only the text of a matched element is buffered until its closing
// tag, because the replacement can only be computed once the content is
// complete.
package htmlstream

import (
	"bytes"
	"io"

	"golang.org/x/net/html"
)

// ElementHandler selects elements by tag name and optional id and replaces
// their buffered text content.
type ElementHandler struct {
	// Tag is the lower-case element name, e.g. "script".
	Tag string

	// ID restricts the match to elements with this id attribute. Empty
	// matches any element of the tag.
	ID string

	// ReplaceText receives the element's complete text content and returns
	// the bytes emitted in its place, raw and unescaped.
	ReplaceText func(text []byte) []byte
}

func (h *ElementHandler) matches(tag string, attrs map[string]string) bool {
	if tag != h.Tag {
		return false
	}
	return h.ID == "" || attrs["id"] == h.ID
}

// Rewrite copies the HTML document from src to dst, applying the handlers.
// Content outside matched elements passes through byte for byte.
func Rewrite(dst io.Writer, src io.Reader, handlers []ElementHandler) error {
	z := html.NewTokenizer(src)

	var (
		active *ElementHandler
		buf    bytes.Buffer
	)

	for {
		tt := z.Next()

		if tt == html.ErrorToken {
			if err := z.Err(); err != io.EOF {
				return err
			}
			if active != nil {
				// unclosed element, emit what was buffered
				if _, err := dst.Write(buf.Bytes()); err != nil {
					return err
				}
			}
			return nil
		}

		raw := z.Raw()

		switch tt {
		case html.StartTagToken:
			if active == nil {
				if h := matchHandler(z, handlers); h != nil {
					if _, err := dst.Write(raw); err != nil {
						return err
					}
					active = h
					buf.Reset()
					continue
				}
			}
			if _, err := emit(dst, active, &buf, raw); err != nil {
				return err
			}

		case html.TextToken:
			if active != nil {
				buf.Write(raw)
				continue
			}
			if _, err := dst.Write(raw); err != nil {
				return err
			}

		case html.EndTagToken:
			if active != nil {
				name, _ := z.TagName()
				if string(name) == active.Tag {
					if _, err := dst.Write(active.ReplaceText(buf.Bytes())); err != nil {
						return err
					}
					active = nil
					if _, err := dst.Write(raw); err != nil {
						return err
					}
					continue
				}
				buf.Write(raw)
				continue
			}
			if _, err := dst.Write(raw); err != nil {
				return err
			}

		default:
			if _, err := emit(dst, active, &buf, raw); err != nil {
				return err
			}
		}
	}
}

// emit writes raw either to the active buffer or to dst.
func emit(dst io.Writer, active *ElementHandler, buf *bytes.Buffer, raw []byte) (int, error) {
	if active != nil {
		return buf.Write(raw)
	}
	return dst.Write(raw)
}

func matchHandler(z *html.Tokenizer, handlers []ElementHandler) *ElementHandler {
	name, hasAttr := z.TagName()
	tag := string(name)

	attrs := map[string]string{}
	for hasAttr {
		var k, v []byte
		k, v, hasAttr = z.TagAttr()
		attrs[string(k)] = string(v)
	}

	for i := range handlers {
		if handlers[i].matches(tag, attrs) {
			return &handlers[i]
		}
	}
	return nil
}

// NewReader wraps src so that reading from the returned reader yields the
// rewritten document. Closing it releases the underlying stream.
func NewReader(src io.ReadCloser, handlers []ElementHandler) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		err := Rewrite(pw, src, handlers)
		src.Close()
		pw.CloseWithError(err)
	}()
	return pr
}
