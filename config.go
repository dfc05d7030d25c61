package treenet

import (
	"net"
	"strconv"
	"strings"

	"github.com/leesper/treenet/stree"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config is the file/environment configuration of a treenet endpoint.
type Config struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	MaxConnections int    `mapstructure:"max_connections"`
	Workers        int    `mapstructure:"workers"`
	Compression    bool   `mapstructure:"compression"`
	MaxTreeBytes   int64  `mapstructure:"max_tree_bytes"`
	MaxDepth       int    `mapstructure:"max_depth"`
	LogLevel       string `mapstructure:"log_level"`
	LogFilePath    string `mapstructure:"log_file_path"`
	MetricsPort    int    `mapstructure:"metrics_port"`
}

// EnvPrefix prefixes environment overrides, e.g. TREENET_PORT.
const EnvPrefix = "TREENET"

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		Host:           "0.0.0.0",
		Port:           18341,
		MaxConnections: MaxConnections,
		Workers:        defaultWorkersNum,
		MaxTreeBytes:   stree.DefaultMaxTreeBytes,
		MaxDepth:       DefaultMaxDepth,
		LogLevel:       "info",
	}
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("host", d.Host)
	v.SetDefault("port", d.Port)
	v.SetDefault("max_connections", d.MaxConnections)
	v.SetDefault("workers", d.Workers)
	v.SetDefault("compression", d.Compression)
	v.SetDefault("max_tree_bytes", d.MaxTreeBytes)
	v.SetDefault("max_depth", d.MaxDepth)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_file_path", d.LogFilePath)
	v.SetDefault("metrics_port", d.MetricsPort)
}

// NewViper returns a viper instance carrying the defaults and the environment
// bindings, ready for flags to be bound to it.
func NewViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadConfig reads the file at path (yaml, toml or json by extension) over
// the defaults, then applies environment overrides. An empty path reads the
// environment only.
func LoadConfig(path string) (Config, error) {
	v := NewViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrapf(err, "read config %s", path)
		}
	}
	return ConfigFrom(v)
}

// ConfigFrom decodes the settings held by v.
func ConfigFrom(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "decode config")
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return Config{}, errors.Errorf("port %d out of range", cfg.Port)
	}
	return cfg, nil
}

// Address returns host:port.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// CodecOptions returns the codec limits of c.
func (c Config) CodecOptions() []CodecOption {
	var opts []CodecOption
	if c.MaxDepth > 0 {
		opts = append(opts, WithMaxDepth(c.MaxDepth))
	}
	if c.MaxTreeBytes > 0 {
		opts = append(opts, WithMaxTreeBytes(c.MaxTreeBytes))
	}
	return opts
}

// ConnOptions returns the connection options of c. codec may be nil to use
// DefaultCodec.
func (c Config) ConnOptions(codec *Codec) []ConnOption {
	opts := []ConnOption{WithCompression(c.Compression)}
	if codec != nil {
		opts = append(opts, WithCodec(codec))
	}
	return opts
}

// ServerOptions returns the server options of c.
func (c Config) ServerOptions(codec *Codec) []ServerOption {
	return []ServerOption{
		WithMaxConnections(c.MaxConnections),
		WithWorkers(c.Workers),
		WithConnOptions(c.ConnOptions(codec)...),
	}
}
