// Package config loads client and server options from defaults, a JSON
// config file, HABITSYNC_* environment variables and command-line flags,
// in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. HABITSYNC_API_URL.
const EnvPrefix = "HABITSYNC"

// Client holds the options of the command-line client.
type Client struct {
	// APIURL is the root of the REST API, e.g. https://habits.example.com/api.
	APIURL string `mapstructure:"api_url"`
	// DataDir holds the local database and logs.
	DataDir string `mapstructure:"data_dir"`
	// OwnerID and Token override the credentials stored in the keyring.
	OwnerID string `mapstructure:"owner_id"`
	Token   string `mapstructure:"token"`
	// CAFile is an extra PEM bundle trusted for the API's certificate.
	CAFile string `mapstructure:"ca_file"`

	CallTimeout   time.Duration `mapstructure:"call_timeout"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	DrainInterval time.Duration `mapstructure:"drain_interval"`

	Workers             int           `mapstructure:"workers"`
	MaxRetries          int           `mapstructure:"max_retries"`
	BackoffBase         time.Duration `mapstructure:"backoff_base"`
	BackoffMax          time.Duration `mapstructure:"backoff_max"`
	DeadLetterRetention time.Duration `mapstructure:"dead_letter_retention"`

	LogLevel string `mapstructure:"log_level"`
	// LogFile defaults to <data_dir>/logs/habitsync.log.
	LogFile string `mapstructure:"log_file"`
}

// DBPath returns the location of the local database.
func (c *Client) DBPath() string {
	return filepath.Join(c.DataDir, "habitsync.db")
}

// Server holds the options of the reference API server.
type Server struct {
	// Address is the listening ip:port.
	Address string `mapstructure:"address"`
	// DatabaseDSN is the PostgreSQL connection string.
	DatabaseDSN string `mapstructure:"database_dsn"`
	// TombstoneRetention is how long deleted entities are kept before
	// being purged.
	TombstoneRetention time.Duration `mapstructure:"tombstone_retention"`
	CleanupInterval    time.Duration `mapstructure:"cleanup_interval"`
	// TLSCert and TLSKey enable HTTPS when both are set.
	TLSCert  string `mapstructure:"tls_cert"`
	TLSKey   string `mapstructure:"tls_key"`
	LogLevel string `mapstructure:"log_level"`
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "habitsync")
	}
	return ".habitsync"
}

// ClientDefaults registers the default client options on v.
func ClientDefaults(v *viper.Viper) {
	v.SetDefault("api_url", "http://localhost:8080/api")
	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("owner_id", "")
	v.SetDefault("token", "")
	v.SetDefault("ca_file", "")
	v.SetDefault("call_timeout", 10*time.Second)
	v.SetDefault("probe_interval", 30*time.Second)
	v.SetDefault("drain_interval", time.Minute)
	v.SetDefault("workers", 4)
	v.SetDefault("max_retries", 8)
	v.SetDefault("backoff_base", 2*time.Second)
	v.SetDefault("backoff_max", 10*time.Minute)
	v.SetDefault("dead_letter_retention", 30*24*time.Hour)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")
}

// ServerDefaults registers the default server options on v.
func ServerDefaults(v *viper.Viper) {
	v.SetDefault("address", "localhost:8080")
	v.SetDefault("database_dsn", "")
	v.SetDefault("tombstone_retention", 30*24*time.Hour)
	v.SetDefault("cleanup_interval", time.Hour)
	v.SetDefault("tls_cert", "")
	v.SetDefault("tls_key", "")
	v.SetDefault("log_level", "info")
}

// LoadClient reads client options. configFile may be empty; a missing file
// is not an error. flags, when non-nil, is bound by flag name with dashes
// mapped to underscores.
func LoadClient(v *viper.Viper, configFile string, flags *pflag.FlagSet) (*Client, error) {
	ClientDefaults(v)
	if err := load(v, configFile, flags); err != nil {
		return nil, err
	}
	var c Client
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode client config: %w", err)
	}
	if c.LogFile == "" {
		c.LogFile = filepath.Join(c.DataDir, "logs", "habitsync.log")
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadServer reads server options the same way as LoadClient.
func LoadServer(v *viper.Viper, configFile string, flags *pflag.FlagSet) (*Server, error) {
	ServerDefaults(v)
	if err := load(v, configFile, flags); err != nil {
		return nil, err
	}
	var s Server
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decode server config: %w", err)
	}
	if (s.TLSCert == "") != (s.TLSKey == "") {
		return nil, errors.New("tls_cert and tls_key must be set together")
	}
	return &s, nil
}

func load(v *viper.Viper, configFile string, flags *pflag.FlagSet) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path := os.Getenv(EnvPrefix + "_CONFIG"); path != "" {
		configFile = path
	}
	if configFile != "" {
		if _, err := os.Stat(configFile); err == nil {
			v.SetConfigFile(configFile)
			v.SetConfigType("json")
			if err := v.ReadInConfig(); err != nil {
				return fmt.Errorf("error while reading config file: %w", err)
			}
		}
	}

	if flags == nil {
		return nil
	}
	var bindErr error
	flags.VisitAll(func(f *pflag.Flag) {
		key := strings.ReplaceAll(f.Name, "-", "_")
		if err := v.BindPFlag(key, f); err != nil && bindErr == nil {
			bindErr = fmt.Errorf("bind flag %s: %w", f.Name, err)
		}
	})
	return bindErr
}

func (c *Client) validate() error {
	switch {
	case c.APIURL == "":
		return errors.New("api_url is required")
	case c.DataDir == "":
		return errors.New("data_dir is required")
	case c.Workers < 1:
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	case c.MaxRetries < 1:
		return fmt.Errorf("max_retries must be positive, got %d", c.MaxRetries)
	case c.CallTimeout <= 0:
		return errors.New("call_timeout must be positive")
	}
	return nil
}
