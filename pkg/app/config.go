package app

import "time"

// Config is loaded from the config file via viper. Field names map to
// snake_case keys.
type Config struct {
	AppName  string `mapstructure:"app_name"`
	LogLevel string `mapstructure:"log_level"`

	// Port the request server listens on, and the port advertised in the
	// server identity.
	Port int `mapstructure:"port"`

	// Namespaces to serve and publish.
	Namespaces []string `mapstructure:"namespaces"`

	ShutdownGracePeriod time.Duration `mapstructure:"shutdown_grace_period"`

	Cluster ClusterConfig `mapstructure:"cluster"`
}

// ClusterConfig configures cluster membership. Leaving Name or
// CoordinationAddress empty runs the request server standalone, without any
// publication.
type ClusterConfig struct {
	Name                string        `mapstructure:"name"`
	CoordinationAddress string        `mapstructure:"coordination_address"`
	RootPath            string        `mapstructure:"root_path"`
	NodeOverride        string        `mapstructure:"node_override"`
	SessionTimeout      time.Duration `mapstructure:"session_timeout"`
}

var defaultConfig = Config{
	LogLevel:            "info",
	Port:                2104,
	ShutdownGracePeriod: 60 * time.Second,
	Cluster: ClusterConfig{
		SessionTimeout: 10 * time.Second,
	},
}
