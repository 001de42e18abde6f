package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/multierr"

	"github.com/yourneighborhoodchef/nodeping/internal/client"
	"github.com/yourneighborhoodchef/nodeping/internal/heartbeat"
	"github.com/yourneighborhoodchef/nodeping/internal/monitor"
	"github.com/yourneighborhoodchef/nodeping/internal/session"
)

const (
	configName = "nodeping"
	configType = "toml"
	envPrefix  = "NODEPING"

	KeyTokensFile     = "tokens.file"
	KeyProxiesFile    = "proxies.file"
	KeySessionURL     = "session.url"
	KeySessionCache   = "session.cache_path"
	KeyPingURL        = "ping.url"
	KeyPingInterval   = "ping.interval"
	KeyPingPoll       = "ping.poll"
	KeyPingVersion    = "ping.version"
	KeyTimeout        = "transport.timeout"
	KeyAttempts       = "transport.attempts"
	KeyBackoff        = "transport.backoff"
	KeyMaxPerToken    = "supervisor.max_per_token"
	KeyCycle          = "supervisor.cycle"
	KeySettle         = "supervisor.settle"
	KeyEstablishRate  = "supervisor.establish_rate"
	KeyEstablishBurst = "supervisor.establish_burst"
	KeyLogLevel       = "log.level"
	KeyLogJSON        = "log.json"
	KeyMetricsAddr    = "metrics.addr"
)

type Config struct {
	TokensFile  string
	ProxiesFile string

	SessionURL       string
	SessionCachePath string

	PingURL      string
	PingInterval time.Duration
	PingPoll     time.Duration
	PingVersion  string

	Timeout  time.Duration
	Attempts int
	Backoff  time.Duration

	MaxPerToken    int
	Cycle          time.Duration
	Settle         time.Duration
	EstablishRate  float64
	EstablishBurst int

	LogLevel string
	LogJSON  bool

	MetricsAddr string
}

// SetDefaults registers every key so NODEPING_* variables can override it.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyTokensFile, "token.txt")
	v.SetDefault(KeyProxiesFile, "proxy.txt")
	v.SetDefault(KeySessionURL, session.DefaultURL)
	v.SetDefault(KeySessionCache, "")
	v.SetDefault(KeyPingURL, heartbeat.DefaultURL)
	v.SetDefault(KeyPingInterval, heartbeat.DefaultInterval)
	v.SetDefault(KeyPingPoll, heartbeat.DefaultPoll)
	v.SetDefault(KeyPingVersion, heartbeat.DefaultVersion)
	v.SetDefault(KeyTimeout, client.DefaultTimeout)
	v.SetDefault(KeyAttempts, client.DefaultAttempts)
	v.SetDefault(KeyBackoff, client.DefaultBackoff)
	v.SetDefault(KeyMaxPerToken, monitor.DefaultMaxPerToken)
	v.SetDefault(KeyCycle, monitor.DefaultCycle)
	v.SetDefault(KeySettle, monitor.DefaultSettle)
	v.SetDefault(KeyEstablishRate, 2.0)
	v.SetDefault(KeyEstablishBurst, 3)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogJSON, false)
	v.SetDefault(KeyMetricsAddr, "")
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment. Missing files are ignored; variables already set win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	var err error
	for _, p := range paths {
		if loadErr := godotenv.Load(p); loadErr != nil && !errors.Is(loadErr, fs.ErrNotExist) {
			err = multierr.Append(err, fmt.Errorf("load %s: %w", p, loadErr))
		}
	}
	return err
}

// Load reads configuration from defaults, the optional config file and
// NODEPING_* environment variables, in increasing precedence. Flags bound to
// v before Load take precedence over all of them.
func Load(v *viper.Viper, configFile string) (Config, error) {
	if v == nil {
		v = viper.New()
	}
	SetDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType(configType)
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := Config{
		TokensFile:       v.GetString(KeyTokensFile),
		ProxiesFile:      v.GetString(KeyProxiesFile),
		SessionURL:       v.GetString(KeySessionURL),
		SessionCachePath: v.GetString(KeySessionCache),
		PingURL:          v.GetString(KeyPingURL),
		PingInterval:     v.GetDuration(KeyPingInterval),
		PingPoll:         v.GetDuration(KeyPingPoll),
		PingVersion:      v.GetString(KeyPingVersion),
		Timeout:          v.GetDuration(KeyTimeout),
		Attempts:         v.GetInt(KeyAttempts),
		Backoff:          v.GetDuration(KeyBackoff),
		MaxPerToken:      v.GetInt(KeyMaxPerToken),
		Cycle:            v.GetDuration(KeyCycle),
		Settle:           v.GetDuration(KeySettle),
		EstablishRate:    v.GetFloat64(KeyEstablishRate),
		EstablishBurst:   v.GetInt(KeyEstablishBurst),
		LogLevel:         v.GetString(KeyLogLevel),
		LogJSON:          v.GetBool(KeyLogJSON),
		MetricsAddr:      v.GetString(KeyMetricsAddr),
	}
	return cfg, cfg.Validate()
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var err error
	if c.TokensFile == "" {
		err = multierr.Append(err, errors.New("tokens file is empty"))
	}
	if c.ProxiesFile == "" {
		err = multierr.Append(err, errors.New("proxies file is empty"))
	}
	if c.SessionURL == "" {
		err = multierr.Append(err, errors.New("session url is empty"))
	}
	if c.PingURL == "" {
		err = multierr.Append(err, errors.New("ping url is empty"))
	}
	if c.PingInterval <= 0 {
		err = multierr.Append(err, fmt.Errorf("ping interval must be positive, got %s", c.PingInterval))
	}
	if c.PingPoll <= 0 {
		err = multierr.Append(err, fmt.Errorf("ping poll must be positive, got %s", c.PingPoll))
	}
	if c.Timeout <= 0 {
		err = multierr.Append(err, fmt.Errorf("transport timeout must be positive, got %s", c.Timeout))
	}
	if c.Attempts < 1 {
		err = multierr.Append(err, fmt.Errorf("transport attempts must be at least 1, got %d", c.Attempts))
	}
	if c.MaxPerToken < 1 || c.MaxPerToken > monitor.MaxPerTokenLimit {
		err = multierr.Append(err, fmt.Errorf("max proxies per token must be between 1 and %d, got %d", monitor.MaxPerTokenLimit, c.MaxPerToken))
	}
	if c.Cycle <= 0 {
		err = multierr.Append(err, fmt.Errorf("supervisor cycle must be positive, got %s", c.Cycle))
	}
	if c.Settle < 0 {
		err = multierr.Append(err, fmt.Errorf("supervisor settle must not be negative, got %s", c.Settle))
	}
	if c.EstablishRate > 0 && c.EstablishBurst < 1 {
		err = multierr.Append(err, fmt.Errorf("establish burst must be at least 1, got %d", c.EstablishBurst))
	}
	if c.MetricsAddr != "" {
		if _, _, splitErr := net.SplitHostPort(c.MetricsAddr); splitErr != nil {
			err = multierr.Append(err, fmt.Errorf("metrics addr %q: %w", c.MetricsAddr, splitErr))
		}
	}
	return err
}
