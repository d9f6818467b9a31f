// Package config provides the command line and yaml file configuration of
// the router.
package config

import (
	"flag"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/edgekit/nextroute"
)

type Config struct {
	ConfigFile string
	Flags      *flag.FlagSet

	// generic:
	Address      string `yaml:"address"`
	OriginURL    string `yaml:"origin-url"`
	BuildID      string `yaml:"build-id"`
	BasePath     string `yaml:"base-path"`
	MaxFallbacks int    `yaml:"max-fallbacks"`

	// build artifacts:
	RoutesManifestFile string `yaml:"routes-manifest-file"`
	StaticRoutesFile   string `yaml:"static-routes-file"`
	AssetsDir          string `yaml:"assets-dir"`
	AssetsURL          string `yaml:"assets-url"`
	AssetsCacheDir     string `yaml:"assets-cache-dir"`

	// logging, metrics:
	ApplicationLogLevel  string `yaml:"application-log-level"`
	ApplicationLogPrefix string `yaml:"application-log-prefix"`
	AccessLogDisabled    bool   `yaml:"access-log-disabled"`
	AccessLogJSONEnabled bool   `yaml:"access-log-json-enabled"`
	SupportListener      string `yaml:"support-listener"`
	MetricsPrefix        string `yaml:"metrics-prefix"`
	EnableRuntimeMetrics bool   `yaml:"enable-runtime-metrics"`
}

func NewConfig() *Config {
	cfg := new(Config)

	flag := flag.NewFlagSet("", flag.ExitOnError)
	flag.StringVar(&cfg.ConfigFile, "config-file", "", "if provided the flags will be loaded/overwritten by the values on the file (yaml)")

	// generic:
	flag.StringVar(&cfg.Address, "address", ":9090", "network address that the router should listen on")
	flag.StringVar(&cfg.OriginURL, "origin-url", "", "base url of the origin server that renders the pages")
	flag.StringVar(&cfg.BuildID, "build-id", "", "build id of the deployed artifact, used for data route translation")
	flag.StringVar(&cfg.BasePath, "base-path", "", "path prefix all routes of the deployment share")
	flag.IntVar(&cfg.MaxFallbacks, "max-fallbacks", 0, "bound of the fallback rewrite recursion, 0 means the default")

	// build artifacts:
	flag.StringVar(&cfg.RoutesManifestFile, "routes-manifest-file", "routes-manifest.json", "name of the routes manifest asset")
	flag.StringVar(&cfg.StaticRoutesFile, "static-routes-file", "static-routes.json", "name of the static route listing asset")
	flag.StringVar(&cfg.AssetsDir, "assets-dir", "", "local directory containing the build artifacts")
	flag.StringVar(&cfg.AssetsURL, "assets-url", "", "remote deployment endpoint serving the build artifacts, used when no assets-dir is set")
	flag.StringVar(&cfg.AssetsCacheDir, "assets-cache-dir", "", "local cache directory for remotely fetched build artifacts")

	// logging, metrics:
	flag.StringVar(&cfg.ApplicationLogLevel, "application-log-level", "INFO", "log level for application logs, possible values: PANIC, FATAL, ERROR, WARN, INFO, DEBUG")
	flag.StringVar(&cfg.ApplicationLogPrefix, "application-log-prefix", "[APP]", "prefix for application log entries")
	flag.BoolVar(&cfg.AccessLogDisabled, "access-log-disabled", false, "when this flag is set, no access log is printed")
	flag.BoolVar(&cfg.AccessLogJSONEnabled, "access-log-json-enabled", false, "when this flag is set, log in JSON format is used")
	flag.StringVar(&cfg.SupportListener, "support-listener", "", "network address for the support endpoints, like the metrics scrape endpoint")
	flag.StringVar(&cfg.MetricsPrefix, "metrics-prefix", "", "prefix overriding the namespace of the exposed metrics")
	flag.BoolVar(&cfg.EnableRuntimeMetrics, "enable-runtime-metrics", false, "enables the go runtime and process metric collectors")

	cfg.Flags = flag
	return cfg
}

func (c *Config) Parse() error {
	return c.ParseArgs(os.Args[0], os.Args[1:])
}

func (c *Config) ParseArgs(progname string, args []string) error {
	c.Flags.Init(progname, flag.ExitOnError)
	err := c.Flags.Parse(args)
	if err != nil {
		return err
	}

	// check if arguments were correctly parsed.
	if len(c.Flags.Args()) != 0 {
		return fmt.Errorf("invalid arguments: %s", c.Flags.Args())
	}

	if c.ConfigFile != "" {
		yamlFile, err := os.ReadFile(c.ConfigFile)
		if err != nil {
			return fmt.Errorf("invalid config file: %w", err)
		}

		err = yaml.Unmarshal(yamlFile, c)
		if err != nil {
			return fmt.Errorf("unmarshalling config file error: %w", err)
		}

		// command line flags win over the file values
		err = c.Flags.Parse(args)
		if err != nil {
			return err
		}
	}

	if c.OriginURL == "" {
		return fmt.Errorf("missing origin-url")
	}
	if c.AssetsDir == "" && c.AssetsURL == "" {
		return fmt.Errorf("one of assets-dir or assets-url is required")
	}

	return nil
}

func (c *Config) logLevel() log.Level {
	l, err := log.ParseLevel(c.ApplicationLogLevel)
	if err != nil {
		log.Errorf("invalid log level %s, falling back to INFO", c.ApplicationLogLevel)
		return log.InfoLevel
	}
	return l
}

// ToOptions maps the parsed configuration onto the router options.
func (c *Config) ToOptions() nextroute.Options {
	return nextroute.Options{
		Address:              c.Address,
		OriginURL:            c.OriginURL,
		BuildID:              c.BuildID,
		BasePath:             c.BasePath,
		MaxFallbacks:         c.MaxFallbacks,
		RoutesManifestFile:   c.RoutesManifestFile,
		StaticRoutesFile:     c.StaticRoutesFile,
		AssetsDir:            c.AssetsDir,
		AssetsURL:            c.AssetsURL,
		AssetsCacheDir:       c.AssetsCacheDir,
		ApplicationLogLevel:  c.logLevel(),
		ApplicationLogPrefix: c.ApplicationLogPrefix,
		AccessLogDisabled:    c.AccessLogDisabled,
		AccessLogJSONEnabled: c.AccessLogJSONEnabled,
		SupportListener:      c.SupportListener,
		MetricsPrefix:        c.MetricsPrefix,
		EnableRuntimeMetrics: c.EnableRuntimeMetrics,
	}
}
