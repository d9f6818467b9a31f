package manifest

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// DefaultStaticPrefix is the reserved static-asset namespace. Everything
// under it is always servable without the origin framework server.
const DefaultStaticPrefix = "/_next/static/"

// StaticRoutes is the set of exact pathnames servable directly, plus the
// reserved static-asset prefix rule. Immutable after loading.
type StaticRoutes struct {
	paths  map[string]struct{}
	prefix string
}

// NewStaticRoutes builds a static route set from literal pathnames.
func NewStaticRoutes(paths ...string) *StaticRoutes {
	s := &StaticRoutes{
		paths:  make(map[string]struct{}, len(paths)),
		prefix: DefaultStaticPrefix,
	}
	for _, p := range paths {
		s.paths[p] = struct{}{}
	}
	return s
}

// DecodeStaticRoutes reads a JSON array of literal pathnames.
func DecodeStaticRoutes(r io.Reader) (*StaticRoutes, error) {
	var paths []string
	if err := json.NewDecoder(r).Decode(&paths); err != nil {
		return nil, fmt.Errorf("manifest: decoding static routes: %w", err)
	}
	return NewStaticRoutes(paths...), nil
}

// LoadStaticRoutes reads the static route set from a file.
func LoadStaticRoutes(path string) (*StaticRoutes, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}
	defer f.Close()
	return DecodeStaticRoutes(f)
}

// Contains reports whether path is servable statically.
func (s *StaticRoutes) Contains(path string) bool {
	if s == nil {
		return false
	}
	if strings.HasPrefix(path, s.prefix) {
		return true
	}
	_, ok := s.paths[path]
	return ok
}

// Len returns the number of exact static paths.
func (s *StaticRoutes) Len() int {
	if s == nil {
		return 0
	}
	return len(s.paths)
}
