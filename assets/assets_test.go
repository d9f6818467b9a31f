package assets

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
)

func readAll(t *testing.T, rc io.ReadCloser) string {
	t.Helper()
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestDiskStore(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "routes-manifest.json"), []byte("{}"), 0644); err != nil {
		t.Fatal(err)
	}

	d := &Disk{Root: dir}

	rc, err := d.Open(context.Background(), "routes-manifest.json")
	if err != nil {
		t.Fatal(err)
	}
	if got := readAll(t, rc); got != "{}" {
		t.Errorf("unexpected content: %s", got)
	}

	if _, err := d.Open(context.Background(), "missing.json"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRemoteStore(t *testing.T) {
	fetches := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/assets/routes-manifest.json" {
			http.NotFound(w, r)
			return
		}
		fetches++
		io.WriteString(w, `{"version":3}`)
	}))
	defer server.Close()

	base, err := url.Parse(server.URL + "/assets")
	if err != nil {
		t.Fatal(err)
	}

	r := &Remote{Base: base, Client: server.Client(), Cache: t.TempDir()}

	for i := 0; i < 2; i++ {
		rc, err := r.Open(context.Background(), "routes-manifest.json")
		if err != nil {
			t.Fatal(err)
		}
		if got := readAll(t, rc); got != `{"version":3}` {
			t.Errorf("unexpected content: %s", got)
		}
	}

	if fetches != 1 {
		t.Errorf("expected a single fetch with a warm cache, got %d", fetches)
	}

	if _, err := r.Open(context.Background(), "missing.json"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRemoteStoreWithoutCache(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "data")
	}))
	defer server.Close()

	base, err := url.Parse(server.URL)
	if err != nil {
		t.Fatal(err)
	}

	r := &Remote{Base: base, Client: server.Client()}
	rc, err := r.Open(context.Background(), "anything.json")
	if err != nil {
		t.Fatal(err)
	}
	if got := readAll(t, rc); got != "data" {
		t.Errorf("unexpected content: %s", got)
	}
}
