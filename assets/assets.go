// Package assets loads the build artifacts the router needs at startup,
// the routes manifest and the static route listing, from disk or from a
// remote deployment endpoint with a local cache.
package assets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

// ErrNotFound is returned when a store does not contain the named asset.
var ErrNotFound = errors.New("asset not found")

// Store provides read access to named build artifacts.
type Store interface {
	Open(ctx context.Context, name string) (io.ReadCloser, error)
}

// Disk serves assets from a local directory.
type Disk struct {
	Root string
}

func (d *Disk) Open(_ context.Context, name string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(d.Root, filepath.FromSlash(name)))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Remote fetches assets from a deployment endpoint, populating a local
// cache directory on first access.
type Remote struct {
	// Base URL of the deployment endpoint.
	Base *url.URL

	// Client for fetches, http.DefaultClient when nil.
	Client *http.Client

	// Cache directory for fetched assets, no caching when empty.
	Cache string
}

func (r *Remote) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	if r.Cache != "" {
		f, err := os.Open(filepath.Join(r.Cache, filepath.FromSlash(name)))
		if err == nil {
			return f, nil
		}
		if !os.IsNotExist(err) {
			return nil, err
		}
	}

	u := *r.Base
	u.Path = path.Join(u.Path, name)

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, err
	}

	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}

	res, err := client.Do(req)
	if err != nil {
		return nil, err
	}

	if res.StatusCode == http.StatusNotFound {
		res.Body.Close()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if res.StatusCode != http.StatusOK {
		res.Body.Close()
		return nil, fmt.Errorf("fetching asset %s: unexpected status %d", name, res.StatusCode)
	}

	if r.Cache == "" {
		return res.Body, nil
	}

	return r.populate(name, res.Body)
}

// populate writes the fetched asset into the cache and reopens it from
// there. Cache write failures fall back to the fetched body.
func (r *Remote) populate(name string, body io.ReadCloser) (io.ReadCloser, error) {
	target := filepath.Join(r.Cache, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		log.Errorf("assets: creating cache dir for %s: %v", name, err)
		return body, nil
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".fetch-*")
	if err != nil {
		log.Errorf("assets: creating cache file for %s: %v", name, err)
		return body, nil
	}

	_, err = io.Copy(tmp, body)
	body.Close()
	tmp.Close()
	if err != nil {
		os.Remove(tmp.Name())
		return nil, err
	}

	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return nil, err
	}

	return os.Open(target)
}
