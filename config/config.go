/*
Package config loads the agent configuration.

The configuration is read from an HCL (.hcl) or YAML (.yaml, .yml) file.
Afterwards, every value listed in [Config.EnvOverrides] may be overridden by an environment variable.
Environment variables can be provided in .env files, see [LoadDotEnv].

Secret values (client_secret, skr.secret) may be given as references that are resolved by the secrets package.

Example:

	log {
	  level  = "info"
	  format = "json"
	}

	server {
	  network      = "unix"
	  address      = "/run/igvm-agent.sock"
	  allowed_uids = [0]
	}

	maa {
	  endpoint = "https://shareduks.uks.attest.azure.net"
	}

	skr {
	  backend     = "ccf"
	  endpoint    = "https://ccf.example"
	  key_name    = "vm-key"
	  key_version = "3"
	  secret      = "env:SKR_SECRET"
	}
*/
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/hcl"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	// EnvPrefix is the prefix of environment variables overriding configuration values.
	EnvPrefix = "IGVM_AGENT_"

	// NetworkUnix serves requests on a unix socket.
	NetworkUnix = "unix"
	// NetworkVsock serves requests on a vsock port.
	NetworkVsock = "vsock"

	// BackendCCF releases keys from a CCF key release application.
	BackendCCF = "ccf"
	// BackendAKV releases keys from Azure Key Vault.
	BackendAKV = "akv"

	defaultSocket      = "/run/igvm-agent.sock"
	defaultHTTPTimeout = 30 * time.Second
)

// Config is the agent configuration.
type Config struct {
	Log    Log    `hcl:"log" yaml:"log"`
	Server Server `hcl:"server" yaml:"server"`
	AAD    AAD    `hcl:"aad" yaml:"aad"`
	MAA    MAA    `hcl:"maa" yaml:"maa"`
	SKR    SKR    `hcl:"skr" yaml:"skr"`
	// HTTPTimeout is the timeout of a single request to a remote service, e.g. "30s".
	HTTPTimeout string `hcl:"http_timeout" yaml:"http_timeout"`
}

// Log configures logging.
type Log struct {
	// Level is a logrus level name. Defaults to "info".
	Level string `hcl:"level" yaml:"level"`
	// Format is "text" or "json". Defaults to "text".
	Format string `hcl:"format" yaml:"format"`
}

// Server configures the request listener.
type Server struct {
	// Network is NetworkUnix or NetworkVsock. Defaults to NetworkUnix.
	Network string `hcl:"network" yaml:"network"`
	// Address is the socket path for unix sockets.
	Address string `hcl:"address" yaml:"address"`
	// Port is the vsock port.
	Port uint32 `hcl:"port" yaml:"port"`
	// AllowedUIDs restricts unix socket peers to the given users. Empty allows all.
	AllowedUIDs []int `hcl:"allowed_uids" yaml:"allowed_uids"`
}

// AAD configures the identity used towards Azure services.
type AAD struct {
	TenantID     string `hcl:"tenant_id" yaml:"tenant_id"`
	ClientID     string `hcl:"client_id" yaml:"client_id"`
	ClientSecret string `hcl:"client_secret" yaml:"client_secret"`
	Authority    string `hcl:"authority" yaml:"authority"`
	// ManagedIdentity uses the VM's managed identity instead of a service principal.
	ManagedIdentity bool `hcl:"managed_identity" yaml:"managed_identity"`
	// IdentityClientID selects a user assigned managed identity.
	IdentityClientID string `hcl:"identity_client_id" yaml:"identity_client_id"`
	// IMDSEndpoint overrides the managed identity endpoint.
	IMDSEndpoint string `hcl:"imds_endpoint" yaml:"imds_endpoint"`
}

// Enabled reports whether an AAD identity is configured.
func (a AAD) Enabled() bool {
	return a.ManagedIdentity || a.ClientID != ""
}

// MAA configures the attestation service.
type MAA struct {
	Endpoint        string `hcl:"endpoint" yaml:"endpoint"`
	VerifySignature bool   `hcl:"verify_signature" yaml:"verify_signature"`
	// RetryFor is the time failed requests are retried, e.g. "10s". Empty disables retries.
	RetryFor string `hcl:"retry_for" yaml:"retry_for"`
	// Authenticate sends AAD tokens to the attestation service.
	Authenticate bool `hcl:"authenticate" yaml:"authenticate"`
}

// SKR configures the key release service.
type SKR struct {
	// Backend is BackendCCF or BackendAKV. Defaults to BackendCCF.
	Backend    string `hcl:"backend" yaml:"backend"`
	Endpoint   string `hcl:"endpoint" yaml:"endpoint"`
	KeyName    string `hcl:"key_name" yaml:"key_name"`
	KeyVersion string `hcl:"key_version" yaml:"key_version"`
	Secret     string `hcl:"secret" yaml:"secret"`
	// RetryFor is the time failed requests are retried, e.g. "10s". Empty disables retries.
	RetryFor string `hcl:"retry_for" yaml:"retry_for"`
	// WrapReleasedKey encrypts released keys to the transport key of the VM.
	WrapReleasedKey bool `hcl:"wrap_released_key" yaml:"wrap_released_key"`
}

// Load reads the configuration file at path and applies environment overrides.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg, err := Parse(raw, filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.setDefaults()
	return cfg, nil
}

// Parse decodes a configuration in the format given by the file extension ext.
func Parse(raw []byte, ext string) (*Config, error) {
	cfg := &Config{}
	switch strings.ToLower(ext) {
	case ".hcl":
		if err := hcl.Decode(cfg, string(raw)); err != nil {
			return nil, fmt.Errorf("decoding HCL config: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("decoding YAML config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}
	return cfg, nil
}

// LoadDotEnv loads environment variables from the given .env files.
// Variables that are already set are not changed. Without files, ".env" is loaded if it exists.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		if _, err := os.Stat(".env"); errors.Is(err, os.ErrNotExist) {
			return nil
		}
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("loading env files: %w", err)
	}
	return nil
}

// EnvOverrides returns the environment variables that override configuration values.
func (c *Config) EnvOverrides() map[string]*string {
	return map[string]*string{
		EnvPrefix + "LOG_LEVEL":              &c.Log.Level,
		EnvPrefix + "LOG_FORMAT":             &c.Log.Format,
		EnvPrefix + "SERVER_NETWORK":         &c.Server.Network,
		EnvPrefix + "SERVER_ADDRESS":         &c.Server.Address,
		EnvPrefix + "AAD_TENANT_ID":          &c.AAD.TenantID,
		EnvPrefix + "AAD_CLIENT_ID":          &c.AAD.ClientID,
		EnvPrefix + "AAD_CLIENT_SECRET":      &c.AAD.ClientSecret,
		EnvPrefix + "AAD_IDENTITY_CLIENT_ID": &c.AAD.IdentityClientID,
		EnvPrefix + "AAD_IMDS_ENDPOINT":      &c.AAD.IMDSEndpoint,
		EnvPrefix + "MAA_ENDPOINT":           &c.MAA.Endpoint,
		EnvPrefix + "SKR_BACKEND":            &c.SKR.Backend,
		EnvPrefix + "SKR_ENDPOINT":           &c.SKR.Endpoint,
		EnvPrefix + "SKR_KEY_NAME":           &c.SKR.KeyName,
		EnvPrefix + "SKR_KEY_VERSION":        &c.SKR.KeyVersion,
		EnvPrefix + "SKR_SECRET":             &c.SKR.Secret,
		EnvPrefix + "HTTP_TIMEOUT":           &c.HTTPTimeout,
	}
}

// ApplyEnv overrides configuration values with the environment variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	for name, field := range c.EnvOverrides() {
		if v, ok := lookup(name); ok {
			*field = v
		}
	}
	if v, ok := lookup(EnvPrefix + "SERVER_PORT"); ok {
		port, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return fmt.Errorf("parsing %sSERVER_PORT: %w", EnvPrefix, err)
		}
		c.Server.Port = uint32(port)
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = logrus.InfoLevel.String()
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Server.Network == "" {
		c.Server.Network = NetworkUnix
	}
	if c.Server.Network == NetworkUnix && c.Server.Address == "" {
		c.Server.Address = defaultSocket
	}
	if c.SKR.Backend == "" {
		c.SKR.Backend = BackendCCF
	}
}

// Validate checks the configuration for completeness.
func (c *Config) Validate() error {
	var errs []error
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format: must be text or json, got %q", c.Log.Format))
	}

	switch c.Server.Network {
	case NetworkUnix:
		if c.Server.Address == "" {
			errs = append(errs, errors.New("server.address: must be set for unix sockets"))
		}
	case NetworkVsock:
		if c.Server.Port == 0 {
			errs = append(errs, errors.New("server.port: must be set for vsock"))
		}
	default:
		errs = append(errs, fmt.Errorf("server.network: must be %s or %s, got %q", NetworkUnix, NetworkVsock, c.Server.Network))
	}

	if err := checkURL(c.MAA.Endpoint); err != nil {
		errs = append(errs, fmt.Errorf("maa.endpoint: %w", err))
	}
	if err := checkURL(c.SKR.Endpoint); err != nil {
		errs = append(errs, fmt.Errorf("skr.endpoint: %w", err))
	}
	if c.SKR.KeyName == "" {
		errs = append(errs, errors.New("skr.key_name: must be set"))
	}
	if c.SKR.KeyVersion == "" {
		errs = append(errs, errors.New("skr.key_version: must be set"))
	}
	switch c.SKR.Backend {
	case BackendCCF:
	case BackendAKV:
		if !c.AAD.Enabled() {
			errs = append(errs, errors.New("aad: an identity is required for the akv backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("skr.backend: must be %s or %s, got %q", BackendCCF, BackendAKV, c.SKR.Backend))
	}
	if c.MAA.Authenticate && !c.AAD.Enabled() {
		errs = append(errs, errors.New("aad: an identity is required to authenticate to maa"))
	}
	if c.AAD.ClientID != "" && !c.AAD.ManagedIdentity {
		if c.AAD.TenantID == "" {
			errs = append(errs, errors.New("aad.tenant_id: must be set for a service principal"))
		}
		if c.AAD.ClientSecret == "" {
			errs = append(errs, errors.New("aad.client_secret: must be set for a service principal"))
		}
	}

	for name, value := range map[string]string{
		"http_timeout":  c.HTTPTimeout,
		"maa.retry_for": c.MAA.RetryFor,
		"skr.retry_for": c.SKR.RetryFor,
	} {
		if _, err := parseDuration(value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// HTTPTimeoutDuration returns the timeout of requests to remote services.
func (c *Config) HTTPTimeoutDuration() time.Duration {
	d, err := parseDuration(c.HTTPTimeout)
	if err != nil || d == 0 {
		return defaultHTTPTimeout
	}
	return d
}

// RetryForDuration returns the retry duration of the attestation service.
func (m MAA) RetryForDuration() time.Duration {
	d, _ := parseDuration(m.RetryFor)
	return d
}

// RetryForDuration returns the retry duration of the key release service.
func (s SKR) RetryForDuration() time.Duration {
	d, _ := parseDuration(s.RetryFor)
	return d
}

func parseDuration(value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %s is negative", value)
	}
	return d, nil
}

func checkURL(value string) error {
	if value == "" {
		return errors.New("must be set")
	}
	u, err := url.Parse(value)
	if err != nil {
		return err
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("%q is not an http(s) URL", value)
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", value)
	}
	return nil
}
