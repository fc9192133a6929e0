// Package config loads the gateway's runtime configuration.
//
// Values come from a YAML file, then environment overrides, then command
// line flags applied by the caller.
//
// YAML example:
//
//	address: ":3000"
//	region: "us-east-1"
//	graph:
//	  tenantId: "contoso.onmicrosoft.com"
//	  clientId: "00000000-0000-0000-0000-000000000000"
//	  clientSecret: "secret"
//	  containerId: "contoso.sharepoint.com,1234,5678"
//	  bucket: "reports"
//	filenamePattern: "\\.pdf$"
//	auth:
//	  bearerTokens: ["token-1"]
//	  accessKeys:
//	    - accessKey: "reader"
//	      secretKey: "secret"
//	  allowedNetworks: ["10.0.0.0/8"]
//
// Environment overrides:
//
//	SHAREBUCKET_CONFIG path to the YAML file; if empty, ./sharebucket.yaml is tried.
//	SHAREBUCKET_ADDR, SHAREBUCKET_HTTPS_ADDR, SHAREBUCKET_TLS_CERT, SHAREBUCKET_TLS_KEY
//	SHAREBUCKET_METRICS_ADDR, SHAREBUCKET_LOG_LEVEL, SHAREBUCKET_REGION
//	TENANT, APP_CLIENT_ID, APP_CLIENT_SECRET (or their SHAREBUCKET_ forms)
//	SHAREBUCKET_CONTAINER_ID, SHAREBUCKET_BUCKET
//	SHAREBUCKET_IDENTITY_URL, SHAREBUCKET_GRAPH_URL, SHAREBUCKET_RESOURCE
//	SHAREBUCKET_TOKEN_EXPIRY_MARGIN (Go duration)
//	FILENAME_PATTERN (or SHAREBUCKET_FILENAME_PATTERN)
//	SHAREBUCKET_BEARER_TOKENS comma-separated tokens
//	SHAREBUCKET_BASIC_AUTH in the form USER:PASSWORD
//	SHAREBUCKET_ACCESS_KEYS comma-separated ACCESS_KEY:SECRET_KEY entries
//	SHAREBUCKET_ALLOWED_NETWORKS comma-separated CIDRs or addresses
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultConfigFile = "sharebucket.yaml"

// Config holds runtime configuration for sharebucket.
type Config struct {
	Address         string      `yaml:"address"`
	HTTPSAddress    string      `yaml:"httpsAddress,omitempty"`
	TLSCertFile     string      `yaml:"tlsCertFile,omitempty"`
	TLSKeyFile      string      `yaml:"tlsKeyFile,omitempty"`
	MetricsAddress  string      `yaml:"metricsAddress,omitempty"` // empty disables the metrics listener
	LogLevel        string      `yaml:"logLevel"`                 // debug, info, warn or error
	Region          string      `yaml:"region"`
	FilenamePattern string      `yaml:"filenamePattern,omitempty"`
	Graph           GraphConfig `yaml:"graph"`
	Auth            AuthConfig  `yaml:"auth"`
}

// GraphConfig describes the application registration and the document
// library it reads.
type GraphConfig struct {
	TenantID          string `yaml:"tenantId"`
	ClientID          string `yaml:"clientId"`
	ClientSecret      string `yaml:"clientSecret"`
	IdentityBaseURL   string `yaml:"identityBaseUrl,omitempty"`
	GraphBaseURL      string `yaml:"graphBaseUrl,omitempty"`
	Resource          string `yaml:"resource,omitempty"`
	ContainerID       string `yaml:"containerId,omitempty"`
	Bucket            string `yaml:"bucket,omitempty"`
	TokenExpiryMargin string `yaml:"tokenExpiryMargin,omitempty"` // e.g. "1m"
}

// StaticAccessKey is a SigV4 credential pair accepted by the gateway.
type StaticAccessKey struct {
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
}

// AuthConfig controls who may call the gateway. With nothing configured the
// gateway is open.
type AuthConfig struct {
	BearerTokens    []string          `yaml:"bearerTokens,omitempty"`
	BasicUser       string            `yaml:"basicUser,omitempty"`
	BasicPassword   string            `yaml:"basicPassword,omitempty"`
	AccessKeys      []StaticAccessKey `yaml:"accessKeys,omitempty"`
	AllowedNetworks []string          `yaml:"allowedNetworks,omitempty"`
}

// Enabled reports whether any credential is configured.
func (a AuthConfig) Enabled() bool {
	return len(a.BearerTokens) > 0 || a.BasicUser != "" || len(a.AccessKeys) > 0
}

// Default returns a Config with local defaults.
func Default() Config {
	return Config{
		Address:  ":3000",
		LogLevel: "info",
		Region:   "us-east-1",
	}
}

// Load reads configuration from path and applies environment overrides
// from the process environment.
func Load(path string) (Config, error) {
	return LoadWithEnv(path, os.Getenv)
}

// LoadWithEnv is Load with an explicit environment lookup. If path is empty
// the SHAREBUCKET_CONFIG variable is consulted, then ./sharebucket.yaml. A
// missing file yields the defaults.
func LoadWithEnv(path string, getenv func(string) string) (Config, error) {
	if path == "" {
		path = getenv("SHAREBUCKET_CONFIG")
	}
	if path == "" {
		if _, err := os.Stat(DefaultConfigFile); err == nil {
			path = DefaultConfigFile
		}
	}

	cfg := Default()
	if path == "" {
		return applyEnvOverrides(cfg, getenv), nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return applyEnvOverrides(cfg, getenv), nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	return applyEnvOverrides(cfg, getenv), nil
}

// Validate reports the first setting that would keep the gateway from
// starting.
func (c Config) Validate() error {
	if c.Graph.TenantID == "" {
		return errors.New("graph.tenantId is required")
	}
	if c.Graph.ClientID == "" {
		return errors.New("graph.clientId is required")
	}
	if c.Graph.ClientSecret == "" {
		return errors.New("graph.clientSecret is required")
	}
	if c.Graph.Bucket != "" && c.Graph.ContainerID == "" {
		return errors.New("graph.bucket requires graph.containerId")
	}
	if _, err := regexp.Compile(c.FilenamePattern); err != nil {
		return fmt.Errorf("invalid filenamePattern: %w", err)
	}
	if _, err := c.TokenExpiryMargin(); err != nil {
		return err
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logLevel %q", c.LogLevel)
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return errors.New("tlsCertFile and tlsKeyFile must be set together")
	}
	for _, key := range c.Auth.AccessKeys {
		if key.AccessKey == "" || key.SecretKey == "" {
			return errors.New("auth.accessKeys entries need both accessKey and secretKey")
		}
	}
	return nil
}

// TokenExpiryMargin parses Graph.TokenExpiryMargin. An empty value is no
// margin.
func (c Config) TokenExpiryMargin() (time.Duration, error) {
	if c.Graph.TokenExpiryMargin == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Graph.TokenExpiryMargin)
	if err != nil {
		return 0, fmt.Errorf("invalid graph.tokenExpiryMargin: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("graph.tokenExpiryMargin must not be negative")
	}
	return d, nil
}

// firstEnv returns the first non-empty variable among keys.
func firstEnv(getenv func(string) string, keys ...string) string {
	for _, key := range keys {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
	}
	return ""
}

func applyEnvOverrides(cfg Config, getenv func(string) string) Config {
	set := func(dst *string, keys ...string) {
		if v := firstEnv(getenv, keys...); v != "" {
			*dst = v
		}
	}

	set(&cfg.Address, "SHAREBUCKET_ADDR")
	set(&cfg.HTTPSAddress, "SHAREBUCKET_HTTPS_ADDR")
	set(&cfg.TLSCertFile, "SHAREBUCKET_TLS_CERT")
	set(&cfg.TLSKeyFile, "SHAREBUCKET_TLS_KEY")
	set(&cfg.MetricsAddress, "SHAREBUCKET_METRICS_ADDR")
	set(&cfg.Region, "SHAREBUCKET_REGION")
	if v := firstEnv(getenv, "SHAREBUCKET_LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	// The unprefixed names are the ones existing deployments already set.
	set(&cfg.Graph.TenantID, "SHAREBUCKET_TENANT", "TENANT")
	set(&cfg.Graph.ClientID, "SHAREBUCKET_CLIENT_ID", "APP_CLIENT_ID")
	set(&cfg.Graph.ClientSecret, "SHAREBUCKET_CLIENT_SECRET", "APP_CLIENT_SECRET")
	set(&cfg.FilenamePattern, "SHAREBUCKET_FILENAME_PATTERN", "FILENAME_PATTERN")

	set(&cfg.Graph.ContainerID, "SHAREBUCKET_CONTAINER_ID")
	set(&cfg.Graph.Bucket, "SHAREBUCKET_BUCKET")
	set(&cfg.Graph.IdentityBaseURL, "SHAREBUCKET_IDENTITY_URL")
	set(&cfg.Graph.GraphBaseURL, "SHAREBUCKET_GRAPH_URL")
	set(&cfg.Graph.Resource, "SHAREBUCKET_RESOURCE")
	set(&cfg.Graph.TokenExpiryMargin, "SHAREBUCKET_TOKEN_EXPIRY_MARGIN")

	if v := getenv("SHAREBUCKET_BEARER_TOKENS"); v != "" {
		cfg.Auth.BearerTokens = splitAndTrim(v)
	}
	if v := getenv("SHAREBUCKET_BASIC_AUTH"); v != "" {
		if user, pass, ok := strings.Cut(strings.TrimSpace(v), ":"); ok && user != "" {
			cfg.Auth.BasicUser = user
			cfg.Auth.BasicPassword = pass
		}
	}
	if v := getenv("SHAREBUCKET_ACCESS_KEYS"); v != "" {
		if keys := parseAccessKeys(v); len(keys) > 0 {
			cfg.Auth.AccessKeys = keys
		}
	}
	if v := getenv("SHAREBUCKET_ALLOWED_NETWORKS"); v != "" {
		cfg.Auth.AllowedNetworks = splitAndTrim(v)
	}

	return cfg
}

// parseAccessKeys parses "AK1:SECRET1,AK2:SECRET2". Malformed entries are
// skipped.
func parseAccessKeys(s string) []StaticAccessKey {
	var out []StaticAccessKey
	for _, entry := range splitAndTrim(s) {
		ak, sk, ok := strings.Cut(entry, ":")
		if !ok || ak == "" || sk == "" {
			continue
		}
		out = append(out, StaticAccessKey{AccessKey: ak, SecretKey: sk})
	}
	return out
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
