package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv      string `env:"APP_ENV" default:"development"`
	Port        string `env:"PORT" default:"8080"`
	AppURL      string `env:"APP_URL" default:"http://localhost:8080"`
	DatabaseURL string `env:"DATABASE_URL"`
	// Empty runs a single instance: in-memory admission counters and no event relay.
	RedisURL    string `env:"REDIS_URL"`
	LogLevel    string `env:"LOG_LEVEL" default:"info"`
	LogFormat   string `env:"LOG_FORMAT" default:"text"`

	// Comma separated CIDRs whose X-Forwarded-For is believed. Empty uses the peer address.
	TrustedProxies string `env:"TRUSTED_PROXIES"`

	// Empty disables push notifications.
	FirebaseCredentialsFile string        `env:"FIREBASE_CREDENTIALS_FILE"`
	PushTimeout             time.Duration `env:"PUSH_TIMEOUT" default:"10s"`

	RateLimitFailClosed bool `env:"RATE_LIMIT_FAIL_CLOSED" default:"false"`
	EventRelayEnabled   bool `env:"EVENT_RELAY_ENABLED" default:"true"`

	MaxWebSocketConnections int     `env:"MAX_WEBSOCKET_CONNECTIONS" default:"10000"`
	MaxConnectionsPerIP     int     `env:"MAX_CONNECTIONS_PER_IP" default:"20"`
	ConnectionRatePerSecond float64 `env:"CONNECTION_RATE_PER_SECOND" default:"5"`
	ConnectionRateBurst     int     `env:"CONNECTION_RATE_BURST" default:"10"`
}

func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// Clustered reports whether instances share state through Redis.
func (c *Config) Clustered() bool {
	return c.RedisURL != ""
}

// TrustedProxyNets parses TrustedProxies. A bare IP is treated as a single host range.
func (c *Config) TrustedProxyNets() ([]*net.IPNet, error) {
	var nets []*net.IPNet
	for _, raw := range strings.Split(c.TrustedProxies, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			ip := net.ParseIP(raw)
			if ip == nil {
				return nil, fmt.Errorf("TRUSTED_PROXIES entry %q is not an IP or CIDR", raw)
			}
			bits := 8 * net.IPv6len
			if ip.To4() != nil {
				ip, bits = ip.To4(), 8*net.IPv4len
			}
			nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, ipNet, err := net.ParseCIDR(raw)
		if err != nil {
			return nil, fmt.Errorf("TRUSTED_PROXIES entry %q: %w", raw, err)
		}
		nets = append(nets, ipNet)
	}
	return nets, nil
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}

	if cfg.PushTimeout <= 0 {
		return errors.New("PUSH_TIMEOUT must be positive")
	}
	if cfg.MaxWebSocketConnections < 1 {
		return errors.New("MAX_WEBSOCKET_CONNECTIONS must be at least 1")
	}
	if cfg.MaxConnectionsPerIP < 1 {
		return errors.New("MAX_CONNECTIONS_PER_IP must be at least 1")
	}
	if cfg.ConnectionRatePerSecond <= 0 || cfg.ConnectionRateBurst < 1 {
		return errors.New("CONNECTION_RATE_PER_SECOND and CONNECTION_RATE_BURST must be positive")
	}

	if _, err := url.Parse(cfg.AppURL); err != nil {
		return fmt.Errorf("APP_URL is not a valid URL: %w", err)
	}
	if _, err := cfg.TrustedProxyNets(); err != nil {
		return err
	}

	if cfg.IsProduction() {
		if err := requireDatabaseTLS(cfg.DatabaseURL); err != nil {
			return err
		}
	}

	return nil
}

func requireDatabaseTLS(databaseURL string) error {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return fmt.Errorf("DATABASE_URL is not a valid URL: %w", err)
	}
	switch mode := strings.ToLower(u.Query().Get("sslmode")); mode {
	case "disable", "allow":
		return fmt.Errorf("DATABASE_URL uses sslmode=%s which is not allowed in production", mode)
	}
	return nil
}
