package dash2hls

import (
	"fmt"
	"os"

	"github.com/mcuadros/go-defaults"
	"gopkg.in/yaml.v3"
)

// Channel is one upstream DASH source exposed through the proxy.
type Channel struct {
	Manifest string `yaml:"manifest" desc:"upstream DASH manifest URL"`
	// comma-separated kid:key hex pairs for ClearKey content
	Keys string `yaml:"keys"`
	// license server endpoints, forwarded verbatim per DRM system
	WidevineLicense  string            `yaml:"widevineLicense"`
	PlayReadyLicense string            `yaml:"playreadyLicense"`
	ClearKeyLicense  string            `yaml:"clearkeyLicense"`
	Headers          map[string]string `yaml:"headers" desc:"extra request headers for upstream fetches"`
}

type Config struct {
	ListenAddr   string `yaml:"listenAddr" default:":8080" desc:"HTTP listen address"`
	PublicURL    string `yaml:"publicURL" desc:"external base URL, defaults to http://<listenAddr>"`
	LogLevel     string `yaml:"logLevel" default:"info"`
	FetchTimeout int    `yaml:"fetchTimeout" default:"20" desc:"upstream fetch timeout in seconds"`
	UserAgent    string `yaml:"userAgent" default:"dash2hls/1.0"`

	Channels map[string]Channel `yaml:"channels"`
}

func NewConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// LoadConfig reads a yaml config file over the defaults. A missing file
// is not an error so the proxy can run purely on query parameters.
func LoadConfig(path string) (*Config, error) {
	cfg := NewConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err = yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) ProxyBase() string {
	if c.PublicURL != "" {
		return c.PublicURL
	}
	addr := c.ListenAddr
	if addr != "" && addr[0] == ':' {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}
