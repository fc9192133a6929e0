package core

import (
	"sharebucket/pkg/auth"
	"sharebucket/pkg/metrics"
	"sharebucket/pkg/storage"
)

type Config struct {
	Region string

	// ContainerID pins the gateway to one document library. When empty,
	// the bucket name of every request is used as the container id.
	ContainerID string
	// Bucket is an optional bucket name that maps to ContainerID.
	Bucket string

	Catalog       storage.Catalog
	Filter        *NameFilter
	Authenticator auth.AuthEngine
	Networks      *auth.NetworkAllowlist
	Metrics       *metrics.Metrics
}

type ConfigOption func(*Config)

func WithCatalog(catalog storage.Catalog) ConfigOption {
	return func(cfg *Config) {
		cfg.Catalog = catalog
	}
}

func WithNameFilter(filter *NameFilter) ConfigOption {
	return func(cfg *Config) {
		cfg.Filter = filter
	}
}

func WithAuthEngine(authenticator auth.AuthEngine) ConfigOption {
	return func(cfg *Config) {
		cfg.Authenticator = authenticator
	}
}

func WithNetworkAllowlist(networks *auth.NetworkAllowlist) ConfigOption {
	return func(cfg *Config) {
		cfg.Networks = networks
	}
}

func WithRegion(region string) ConfigOption {
	return func(cfg *Config) {
		cfg.Region = region
	}
}

// WithContainer serves a single container, reachable under its id and,
// when bucket is not empty, under that name as well.
func WithContainer(containerID string, bucket string) ConfigOption {
	return func(cfg *Config) {
		cfg.ContainerID = containerID
		cfg.Bucket = bucket
	}
}

func WithMetrics(m *metrics.Metrics) ConfigOption {
	return func(cfg *Config) {
		cfg.Metrics = m
	}
}

func NewConfig(opts ...ConfigOption) Config {
	cfg := Config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
