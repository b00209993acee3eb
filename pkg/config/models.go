package config

import "time"

type Config struct {
	Server    ServerConfig
	Transport TransportConfig
	Shutdown  ShutdownConfig
	Stats     StatsConfig
	Log       LogConfig
}

type ServerConfig struct {
	Address         string
	Auth            AuthConfig
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwtSecret"`
}

type ConnectionLimitConfig struct {
	MaxPerUser int    `mapstructure:"maxPerUser"`
	Mode       string `mapstructure:"mode"` // "reject" or "cycle"
}

type TransportConfig struct {
	ReadTimeout time.Duration `mapstructure:"readTimeout"`
	// AuthGrace is how long a rejected connection stays open so the
	// auth:error frame can reach the client before the forced close.
	AuthGrace time.Duration `mapstructure:"authGrace"`
}

type ShutdownConfig struct {
	// DrainTimeout bounds the close-notice/force-close sweep over open
	// connections. Sockets still open afterwards are abandoned.
	DrainTimeout time.Duration `mapstructure:"drainTimeout"`
	// HTTPTimeout bounds the stop-accepting step.
	HTTPTimeout time.Duration `mapstructure:"httpTimeout"`
	// Watchdog forces process exit if the full sequence has not finished.
	Watchdog time.Duration `mapstructure:"watchdog"`
}

type StatsConfig struct {
	// Interval between connection:stats broadcasts to the admin room.
	// Zero disables the job.
	Interval time.Duration `mapstructure:"interval"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}
