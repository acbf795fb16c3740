// This file defines the configuration structure for the application.
package config

import (
	// use Viper for loading the config.yml file.
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration settings for the application.
// It maps directly to the structure of config.yml.
type Config struct {
	Port     int `mapstructure:"port"`
	Database struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"database"`
	Ingest struct {
		URL   string `mapstructure:"url"`
		WsURL string `mapstructure:"ws_url"`
	} `mapstructure:"ingest"`
	Upload struct {
		GroupSize             int `mapstructure:"group_size"`
		RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
	} `mapstructure:"upload"`
	Channel struct {
		OpenTimeoutSeconds    int `mapstructure:"open_timeout_seconds"`
		ReconnectDelaySeconds int `mapstructure:"reconnect_delay_seconds"`
		SweepIntervalSeconds  int `mapstructure:"sweep_interval_seconds"`
	} `mapstructure:"channel"`
	Persist struct {
		FreshMinutes int `mapstructure:"fresh_minutes"`
		StaleMinutes int `mapstructure:"stale_minutes"`
	} `mapstructure:"persist"`
	Watch struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"watch"`
}

// Load reads configuration from a file named "config.yml" in the
// current directory and unmarshals it into a Config struct.
func Load() (*Config, error) {
	viper.SetConfigName("config") // name of config file (without extension)
	viper.SetConfigType("yml")    // or "yaml"
	viper.AddConfigPath(".")      // looking for config in the current directory

	// --- Environment Variable Overrides ---
	// This tells Viper to look for environment variables with a "SHIPYARD_"
	// prefix. e.g., SHIPYARD_DATABASE_PATH overrides the `database.path` key.
	viper.SetEnvPrefix("SHIPYARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Set default values
	viper.SetDefault("port", 8086)
	viper.SetDefault("database.path", "./shipyard.db")
	viper.SetDefault("ingest.url", "http://localhost:9090/api/ingest")
	viper.SetDefault("ingest.ws_url", "ws://localhost:9090/ws/progress")
	viper.SetDefault("upload.group_size", 6)
	viper.SetDefault("upload.request_timeout_seconds", 60)
	viper.SetDefault("channel.open_timeout_seconds", 10)
	viper.SetDefault("channel.reconnect_delay_seconds", 3)
	viper.SetDefault("channel.sweep_interval_seconds", 30)
	viper.SetDefault("persist.fresh_minutes", 30)
	viper.SetDefault("persist.stale_minutes", 60)
	viper.SetDefault("watch.path", "")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; ignore error and use defaults
		} else {
			// Config file was found but another error was produced
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}
