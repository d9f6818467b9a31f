// Package nextroute implements an edge-side HTTP router reproducing the
// request routing semantics of framework deployments built around a routes
// manifest: redirect, header and rewrite rules, static and dynamic route
// resolution, and middleware response reconciliation.
package nextroute

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	log "github.com/sirupsen/logrus"

	"github.com/edgekit/nextroute/assets"
	"github.com/edgekit/nextroute/edge"
	"github.com/edgekit/nextroute/logging"
	"github.com/edgekit/nextroute/manifest"
	"github.com/edgekit/nextroute/metrics"
	"github.com/edgekit/nextroute/pipeline"
	"github.com/edgekit/nextroute/reconcile"
)

// Options to start the router. Expects the address to listen on, the origin
// base url and the location of the build artifacts.
type Options struct {
	Address string

	// OriginURL is the base url of the origin server rendering the pages.
	OriginURL string

	// BuildID of the deployed artifact, used for data route translation.
	BuildID string

	// BasePath prefix all routes of the deployment share.
	BasePath string

	// MaxFallbacks bounds the fallback rewrite recursion, the pipeline
	// default when zero.
	MaxFallbacks int

	// RoutesManifestFile is the asset name of the routes manifest.
	RoutesManifestFile string

	// StaticRoutesFile is the asset name of the static route listing.
	StaticRoutesFile string

	// AssetsDir is a local directory containing the build artifacts.
	AssetsDir string

	// AssetsURL is a remote deployment endpoint serving the build
	// artifacts, used when AssetsDir is empty.
	AssetsURL string

	// AssetsCacheDir caches remotely fetched build artifacts.
	AssetsCacheDir string

	// Middleware is the deployed middleware function, optional.
	Middleware edge.Middleware

	ApplicationLogLevel  log.Level
	ApplicationLogPrefix string
	AccessLogDisabled    bool
	AccessLogJSONEnabled bool

	// SupportListener is the address of the support endpoints, like the
	// metrics scrape endpoint. No support listener is started when empty.
	SupportListener      string
	MetricsPrefix        string
	EnableRuntimeMetrics bool
}

func createAssetStore(o Options) (assets.Store, error) {
	if o.AssetsDir != "" {
		return &assets.Disk{Root: o.AssetsDir}, nil
	}

	base, err := url.Parse(o.AssetsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid assets url: %w", err)
	}

	return &assets.Remote{Base: base, Cache: o.AssetsCacheDir}, nil
}

func loadRoutes(ctx context.Context, store assets.Store, o Options) (*manifest.RoutesManifest, *manifest.StaticRoutes, error) {
	mr, err := store.Open(ctx, o.RoutesManifestFile)
	if err != nil {
		return nil, nil, fmt.Errorf("loading routes manifest: %w", err)
	}
	m, err := manifest.Decode(mr)
	mr.Close()
	if err != nil {
		return nil, nil, fmt.Errorf("decoding routes manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, nil, fmt.Errorf("validating routes manifest: %w", err)
	}

	sr, err := store.Open(ctx, o.StaticRoutesFile)
	if err != nil {
		return nil, nil, fmt.Errorf("loading static routes: %w", err)
	}
	s, err := manifest.DecodeStaticRoutes(sr)
	sr.Close()
	if err != nil {
		return nil, nil, fmt.Errorf("decoding static routes: %w", err)
	}

	return m, s, nil
}

// NewHandler assembles the serving handler for the given options without
// starting a listener. Useful for embedding the router into an existing
// server.
func NewHandler(o Options) (http.Handler, error) {
	store, err := createAssetStore(o)
	if err != nil {
		return nil, err
	}

	m, s, err := loadRoutes(context.Background(), store, o)
	if err != nil {
		return nil, err
	}

	origin, err := url.Parse(o.OriginURL)
	if err != nil {
		return nil, fmt.Errorf("invalid origin url: %w", err)
	}

	mtr := metrics.New(metrics.Options{
		Prefix:               o.MetricsPrefix,
		EnableRuntimeMetrics: o.EnableRuntimeMetrics,
	})

	p := pipeline.New(pipeline.Options{
		Manifest:     m,
		Static:       s,
		MaxFallbacks: o.MaxFallbacks,
		BuildID:      o.BuildID,
		Metrics:      mtr,
	})

	handler := edge.NewHandler(edge.Options{
		Pipeline:   p,
		Origin:     edge.NewOriginDispatcher(origin, nil),
		Assets:     store,
		Middleware: o.Middleware,
		Reconciler: &reconcile.Reconciler{
			BuildID:  o.BuildID,
			BasePath: o.BasePath,
		},
		Metrics:           mtr,
		AccessLogDisabled: o.AccessLogDisabled,
	})

	if o.SupportListener != "" {
		mux := http.NewServeMux()
		mtr.RegisterHandler("/metrics", mux)
		go func() {
			if err := http.ListenAndServe(o.SupportListener, mux); err != nil {
				log.Errorf("support listener failed: %v", err)
			}
		}()
	}

	return handler, nil
}

// Run the router.
func Run(o Options) error {
	logging.Init(logging.Options{
		ApplicationLogPrefix: o.ApplicationLogPrefix,
		ApplicationLogLevel:  o.ApplicationLogLevel,
		AccessLogDisabled:    o.AccessLogDisabled,
		AccessLogJSONEnabled: o.AccessLogJSONEnabled,
	})

	handler, err := NewHandler(o)
	if err != nil {
		return err
	}

	log.Infof("listening on %v", o.Address)
	return http.ListenAndServe(o.Address, handler)
}
