package reconcile

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/edgekit/nextroute/htmlstream"
)

// DataTransform is a pure function applied to the framework's parsed
// hydration-data payload before re-serialization.
type DataTransform func(map[string]any) map[string]any

// HydrationElementID is the id of the script element embedding the
// hydration-data blob in rendered HTML documents.
const HydrationElementID = "__NEXT_DATA__"

func isJSONResponse(res *http.Response) bool {
	ct := res.Header.Get("Content-Type")
	return strings.Contains(ct, "application/json")
}

// bodyReader returns the response body decoded to identity encoding,
// adjusting the response headers when a gzip layer was removed.
func bodyReader(res *http.Response) (io.ReadCloser, error) {
	if !strings.EqualFold(res.Header.Get("Content-Encoding"), "gzip") {
		return res.Body, nil
	}

	zr, err := gzip.NewReader(res.Body)
	if err != nil {
		return nil, err
	}
	res.Header.Del("Content-Encoding")
	res.Header.Del("Content-Length")
	res.ContentLength = -1

	body := res.Body
	return &gzipBody{zr: zr, underlying: body}, nil
}

type gzipBody struct {
	zr         *gzip.Reader
	underlying io.Closer
}

func (g *gzipBody) Read(p []byte) (int, error) { return g.zr.Read(p) }

func (g *gzipBody) Close() error {
	g.zr.Close()
	return g.underlying.Close()
}

// transformJSONBody parses the response body as JSON, applies the
// transforms in order, each receiving the previous output, and rewrites the
// body with a corrected content length. A malformed payload is logged and
// delivered untransformed.
func transformJSONBody(res *http.Response, transforms []DataTransform) error {
	r, err := bodyReader(res)
	if err != nil {
		return err
	}

	raw, err := io.ReadAll(r)
	r.Close()
	if err != nil {
		return err
	}

	out := applyTransforms(raw, transforms, nil)
	res.Body = io.NopCloser(bytes.NewReader(out))
	res.ContentLength = int64(len(out))
	res.Header.Set("Content-Length", strconv.Itoa(len(out)))
	return nil
}

// transformHTMLBody streams the response body through the HTML rewriter,
// transforming the props of the embedded hydration payload and registering
// any additional element handlers.
func transformHTMLBody(res *http.Response, transforms []DataTransform, extra []htmlstream.ElementHandler) error {
	r, err := bodyReader(res)
	if err != nil {
		return err
	}

	handlers := append([]htmlstream.ElementHandler{{
		Tag: "script",
		ID:  HydrationElementID,
		ReplaceText: func(text []byte) []byte {
			return applyTransforms(text, transforms, []string{"props"})
		},
	}}, extra...)

	res.Body = htmlstream.NewReader(r, handlers)
	res.Header.Del("Content-Length")
	res.ContentLength = -1
	return nil
}

// applyTransforms runs the transform chain over the JSON document in raw.
// With a field path, only that object field is transformed in place. Parse
// failures are logged and the input returned unchanged, a malformed payload
// must not break the response.
func applyTransforms(raw []byte, transforms []DataTransform, field []string) []byte {
	if len(transforms) == 0 {
		return raw
	}

	if !gjson.ValidBytes(raw) {
		log.Errorf("reconcile: skipping transform of malformed payload")
		return raw
	}
	if len(field) > 0 && !gjson.GetBytes(raw, strings.Join(field, ".")).Exists() {
		log.Errorf("reconcile: payload has no %s field, skipping transform", strings.Join(field, "."))
		return raw
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		log.Errorf("reconcile: parsing payload: %v", err)
		return raw
	}

	if len(field) == 0 {
		for _, t := range transforms {
			payload = t(payload)
		}
	} else {
		name := field[0]
		inner, ok := payload[name].(map[string]any)
		if !ok {
			log.Errorf("reconcile: payload field %s is not an object, skipping transform", name)
			return raw
		}
		for _, t := range transforms {
			inner = t(inner)
		}
		payload[name] = inner
	}

	out, err := json.Marshal(payload)
	if err != nil {
		log.Errorf("reconcile: serializing transformed payload: %v", err)
		return raw
	}
	return out
}
