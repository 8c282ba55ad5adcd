package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	QUIC struct {
		Port            int           `mapstructure:"port"`
		LogRequests     bool          `mapstructure:"log_requests"`
		IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
		CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	} `mapstructure:"quic"`
	TCP struct {
		Enabled     bool `mapstructure:"enabled"`
		Port        int  `mapstructure:"port"`
		LogRequests bool `mapstructure:"log_requests"`
	} `mapstructure:"tcp"`
	HTTP struct {
		Enabled     bool `mapstructure:"enabled"`
		Port        int  `mapstructure:"port"`
		LogRequests bool `mapstructure:"log_requests"`
	} `mapstructure:"http"`
	API struct {
		Port        int  `mapstructure:"port"`
		LogRequests bool `mapstructure:"log_requests"`
	} `mapstructure:"api"`
	Socks5 struct {
		Addr           string `mapstructure:"addr"`
		Username       string `mapstructure:"username"`
		Password       string `mapstructure:"password"`
		Timeout        int    `mapstructure:"timeout"`
		MaxConnections int    `mapstructure:"max_connections"`
	} `mapstructure:"socks5"`
	Rules struct {
		Allow []string `mapstructure:"allow"`
	} `mapstructure:"rules"`
	Redis struct {
		Enabled  bool   `mapstructure:"enabled"`
		Address  string `mapstructure:"address"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
		Channel  string `mapstructure:"channel"`
	} `mapstructure:"redis"`
	Agones struct {
		Enabled             bool   `mapstructure:"enabled"`
		Namespace           string `mapstructure:"namespace"`
		AllocatorHost       string `mapstructure:"allocator_host"`
		AllocatorClientCert string `mapstructure:"allocator_client_cert"`
		AllocatorClientKey  string `mapstructure:"allocator_client_key"`
		AllocatorCACert     string `mapstructure:"allocator_ca_cert"`
	} `mapstructure:"agones"`
	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"logging"`
	Routes []struct {
		FQDN   string `mapstructure:"fqdn"`
		Type   string `mapstructure:"type"`
		Target string `mapstructure:"target"`
	} `mapstructure:"routes"`
}

func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.SetDefault("quic.port", 443)
	viper.SetDefault("quic.log_requests", false)
	viper.SetDefault("quic.idle_timeout", "60s")
	viper.SetDefault("quic.cleanup_interval", "30s")
	viper.SetDefault("tcp.enabled", false)
	viper.SetDefault("tcp.port", 8443)
	viper.SetDefault("http.enabled", false)
	viper.SetDefault("http.port", 8080)
	viper.SetDefault("api.port", 9090)
	viper.SetDefault("api.log_requests", false)
	viper.SetDefault("socks5.timeout", 30)
	viper.SetDefault("socks5.max_connections", 100)
	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.channel", "porter_routes")
	viper.SetDefault("agones.enabled", false)
	viper.SetDefault("agones.namespace", "default")
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "pretty")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
