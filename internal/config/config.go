package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"regexp"
	"time"

	"github.com/quic-go/quic-go/http3"
	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr  string `yaml:"listen"`
	CertFile    string `yaml:"cert"`
	KeyFile     string `yaml:"key"`
	BackendWS   string `yaml:"backend"`
	PathPattern string `yaml:"path"`
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`

	// InternalNetworks lists the CIDRs whose clients count as internal
	// traffic. Everything else is external.
	InternalNetworks []string `yaml:"internal_networks"`

	MaxFrame     int64         `yaml:"max_frame"`
	MaxMessage   int64         `yaml:"max_message"`
	MaxConns     int64         `yaml:"max_conns"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// Populated by Validate.
	Backend      *url.URL       `yaml:"-"`
	PathRegexp   *regexp.Regexp `yaml:"-"`
	InternalNets []netip.Prefix `yaml:"-"`
}

type Limits struct {
	MaxFrameSize   int64
	MaxMessageSize int64
	MaxConns       int64
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

func Default() Config {
	return Config{
		ListenAddr:   ":443",
		CertFile:     "cert.pem",
		KeyFile:      "key.pem",
		BackendWS:    "ws://127.0.0.1:8080",
		PathPattern:  "^/ws$",
		LogLevel:     "info",
		MaxFrame:     1 << 20,
		MaxMessage:   8 << 20,
		MaxConns:     2000,
		ReadTimeout:  120 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
}

// Load reads a YAML file on top of the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if err := cfg.LoadFile(path); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile overlays the YAML file at path onto cfg. Keys missing from the
// file keep their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Validate checks the configuration and fills in the parsed fields.
func (c *Config) Validate() error {
	backendURL, err := url.Parse(c.BackendWS)
	if err != nil {
		return fmt.Errorf("bad backend: %w", err)
	}
	if backendURL.Scheme != "ws" && backendURL.Scheme != "wss" {
		return fmt.Errorf("backend scheme must be ws or wss, got %q", backendURL.Scheme)
	}
	backendURL.Path = ""
	backendURL.RawPath = ""
	backendURL.RawQuery = ""
	backendURL.Fragment = ""

	pathRegexp, err := regexp.Compile(c.PathPattern)
	if err != nil {
		return fmt.Errorf("bad path regexp: %w", err)
	}

	nets := make([]netip.Prefix, 0, len(c.InternalNetworks))
	for _, s := range c.InternalNetworks {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return fmt.Errorf("bad internal network %q: %w", s, err)
		}
		nets = append(nets, p.Masked())
	}

	if c.MaxFrame <= 0 || c.MaxMessage <= 0 || c.MaxConns <= 0 {
		return errors.New("max_frame, max_message and max_conns must be positive")
	}
	if c.ReadTimeout <= 0 || c.WriteTimeout <= 0 {
		return errors.New("read_timeout and write_timeout must be positive")
	}

	c.Backend = backendURL
	c.PathRegexp = pathRegexp
	c.InternalNets = nets
	return nil
}

func (c *Config) Limits() Limits {
	return Limits{
		MaxFrameSize:   c.MaxFrame,
		MaxMessageSize: c.MaxMessage,
		MaxConns:       c.MaxConns,
		ReadTimeout:    c.ReadTimeout,
		WriteTimeout:   c.WriteTimeout,
	}
}

func DefaultTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS13,
		NextProtos: []string{http3.NextProtoH3},
	}
}
