// Package config loads controller and agent settings. Sources, lowest
// precedence first: defaults, wirtbot.yaml, a .env file, WIRTBOT_* environment
// variables, command line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "WIRTBOT"

type Config struct {
	Addr      string `mapstructure:"addr"`
	Token     string `mapstructure:"token"`
	JWTSecret string `mapstructure:"jwt-secret"`
	LogLevel  string `mapstructure:"log-level"`
	Store     Store  `mapstructure:"store"`
	Push      Push   `mapstructure:"push"`
	Agent     Agent  `mapstructure:"agent"`
	TLS       TLS    `mapstructure:"tls"`
}

// Store selects the snapshot backend.
type Store struct {
	Backend    string `mapstructure:"backend"` // memory, sqlite, mysql, consul
	Path       string `mapstructure:"path"`
	ConsulAddr string `mapstructure:"consul-addr"`
	MySQLDSN   string `mapstructure:"mysql-dsn"`
}

// Push configures delivery of the server and DNS configs to the agent.
type Push struct {
	Enabled bool          `mapstructure:"enabled"`
	Scheme  string        `mapstructure:"scheme"`
	Port    int           `mapstructure:"port"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Agent configures the receiver next to WireGuard and CoreDNS.
type Agent struct {
	Addr      string `mapstructure:"addr"`
	Dir       string `mapstructure:"dir"`
	Apply     bool   `mapstructure:"apply"`
	Interface string `mapstructure:"interface"`
	PublicKey string `mapstructure:"public-key"` // base64 ed25519 key of the controller
	Journal   string `mapstructure:"journal"`
	NAT       bool   `mapstructure:"nat"`
	Egress    string `mapstructure:"egress"` // detected from the default route when empty
}

type TLS struct {
	Cert     string `mapstructure:"cert"`
	Key      string `mapstructure:"key"`
	ClientCA string `mapstructure:"client-ca"`
}

var defaults = map[string]interface{}{
	"addr":              ":8080",
	"token":             "",
	"jwt-secret":        "",
	"log-level":         "info",
	"store.backend":     "sqlite",
	"store.path":        "wirtbot.db",
	"store.consul-addr": "127.0.0.1:8500",
	"store.mysql-dsn":   "",
	"push.enabled":      true,
	"push.scheme":       "http",
	"push.port":         3030,
	"push.timeout":      10 * time.Second,
	"agent.addr":        ":3030",
	"agent.dir":         "/etc/wirtbot",
	"agent.apply":       false,
	"agent.interface":   "server",
	"agent.public-key":  "",
	"agent.journal":     "agent.db",
	"agent.nat":         false,
	"agent.egress":      "",
	"tls.cert":          "",
	"tls.key":           "",
	"tls.client-ca":     "",
}

// flagKeys maps command line flag names to config keys.
var flagKeys = map[string]string{
	"addr":         "addr",
	"token":        "token",
	"jwt-secret":   "jwt-secret",
	"log-level":    "log-level",
	"store":        "store.backend",
	"store-path":   "store.path",
	"consul-addr":  "store.consul-addr",
	"mysql-dsn":    "store.mysql-dsn",
	"push":         "push.enabled",
	"push-scheme":  "push.scheme",
	"push-port":    "push.port",
	"push-timeout": "push.timeout",
	"listen":       "agent.addr",
	"dir":          "agent.dir",
	"apply":        "agent.apply",
	"interface":    "agent.interface",
	"public-key":   "agent.public-key",
	"journal":      "agent.journal",
	"nat":          "agent.nat",
	"egress":       "agent.egress",
	"tls-cert":     "tls.cert",
	"tls-key":      "tls.key",
	"client-ca":    "tls.client-ca",
}

// New returns a viper instance carrying the defaults.
func New() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	return v
}

// BindFlags binds every known flag present in fs.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for name, key := range flagKeys {
		if f := fs.Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}
	return nil
}

// Load reads file, or wirtbot.yaml from the usual places when file is empty,
// and returns the merged configuration. A missing default file is not an error.
func Load(v *viper.Viper, file string) (Config, error) {
	if err := loadDotEnv(); err != nil {
		return Config{}, err
	}
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("wirtbot")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "wirtbot"))
		}
		v.AddConfigPath("/etc/wirtbot")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return c, c.Validate()
}

// Validate rejects settings no component can run with.
func (c Config) Validate() error {
	switch c.Store.Backend {
	case "memory", "sqlite", "mysql", "consul":
	default:
		return fmt.Errorf("store.backend %q: want memory, sqlite, mysql or consul", c.Store.Backend)
	}
	if c.Push.Scheme != "http" && c.Push.Scheme != "https" {
		return fmt.Errorf("push.scheme %q: want http or https", c.Push.Scheme)
	}
	if c.Push.Port <= 0 || c.Push.Port > 65535 {
		return fmt.Errorf("push.port %d out of range", c.Push.Port)
	}
	if (c.TLS.Cert == "") != (c.TLS.Key == "") {
		return fmt.Errorf("tls.cert and tls.key must be set together")
	}
	return nil
}

// loadDotEnv reads $WIRTBOT_ENV_FILE or ./.env if present. Variables already
// set in the environment win.
func loadDotEnv() error {
	path := os.Getenv(EnvPrefix + "_ENV_FILE")
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}
