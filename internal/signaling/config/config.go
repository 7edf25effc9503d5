package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds the signaling server configuration
type Config struct {
	Environment string `mapstructure:"environment" validate:"oneof=development production test"`
	NodeID      string `mapstructure:"node_id"`

	// HTTP and websocket listener
	BindAddr       string   `mapstructure:"bind" validate:"required"`
	Port           int      `mapstructure:"port" validate:"min=1,max=65535"`
	GRPCHealthPort int      `mapstructure:"grpc_health_port" validate:"min=0,max=65535"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	SignalingPath  string   `mapstructure:"signaling_path" validate:"required,startswith=/"`

	LogLevel string `mapstructure:"log_level" validate:"oneof=debug info warn warning error"`
	LogFile  string `mapstructure:"log_file"`

	// Websocket keep-alive and buffering
	PingInterval    time.Duration `mapstructure:"ping_interval" validate:"gt=0"`
	PongTimeout     time.Duration `mapstructure:"pong_timeout" validate:"gtfield=PingInterval"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
	SendBuffer      int           `mapstructure:"send_buffer" validate:"min=1"`
	MaxMessageBytes int64         `mapstructure:"max_message_bytes" validate:"min=512"`

	// Telephony webhooks
	PublicBaseURL   string `mapstructure:"public_base_url" validate:"omitempty,url"`
	TwilioAuthToken string `mapstructure:"twilio_auth_token"`

	// Connection authentication. With neither set every connection is accepted.
	JWTSecret string `mapstructure:"jwt_secret"`
	JWTIssuer string `mapstructure:"jwt_issuer"`
	APIKeys   string `mapstructure:"api_keys"`

	// Widget source: Redis when RedisURL is set, else the JSON file.
	WidgetsPath    string        `mapstructure:"widgets_path"`
	RedisURL       string        `mapstructure:"redis_url"`
	WidgetCacheTTL time.Duration `mapstructure:"widget_cache_ttl" validate:"min=0"`

	EventsBackend string `mapstructure:"events_backend" validate:"oneof=log redis none"`
}

// NewViper returns a viper instance with defaults and environment binding.
// An env file named by ENV_PATH, or ./.env, is read when present.
func NewViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	v.SetConfigType("env")
	if path := os.Getenv("ENV_PATH"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName(".env")
	}
	// A missing env file is normal; environment variables still apply.
	_ = v.ReadInConfig()
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("NODE_ID", "")
	v.SetDefault("BIND", "0.0.0.0")
	v.SetDefault("PORT", 3002)
	v.SetDefault("GRPC_HEALTH_PORT", 0)
	v.SetDefault("ALLOWED_ORIGINS", []string{"*"})
	v.SetDefault("SIGNALING_PATH", "/ws")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FILE", "")

	v.SetDefault("PING_INTERVAL", 25*time.Second)
	v.SetDefault("PONG_TIMEOUT", 60*time.Second)
	v.SetDefault("WRITE_TIMEOUT", 10*time.Second)
	v.SetDefault("SEND_BUFFER", 64)
	v.SetDefault("MAX_MESSAGE_BYTES", 64*1024)

	v.SetDefault("PUBLIC_BASE_URL", "")
	v.SetDefault("TWILIO_AUTH_TOKEN", "")
	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("JWT_ISSUER", "")
	v.SetDefault("API_KEYS", "")

	v.SetDefault("WIDGETS_PATH", "resources/config/widgets.json")
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("WIDGET_CACHE_TTL", 30*time.Second)
	v.SetDefault("EVENTS_BACKEND", "log")
}

// Load unmarshals and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.AllowedOrigins = cleanList(cfg.AllowedOrigins)

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.EventsBackend == "redis" && cfg.RedisURL == "" {
		return nil, fmt.Errorf("invalid config: EVENTS_BACKEND=redis requires REDIS_URL")
	}
	if _, err := ParseKeyPairs(cfg.APIKeys); err != nil {
		return nil, fmt.Errorf("invalid config: API_KEYS: %w", err)
	}
	return &cfg, nil
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.BindAddr, c.Port)
}

// ParseKeyPairs parses a comma-separated list of key=subject pairs.
// Example: "k1=widget-a,k2=mobile"
func ParseKeyPairs(s string) (map[string]string, error) {
	result := make(map[string]string)
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		key, subject, ok := strings.Cut(p, "=")
		key, subject = strings.TrimSpace(key), strings.TrimSpace(subject)
		if !ok || key == "" || subject == "" {
			return nil, fmt.Errorf("malformed pair %q", p)
		}
		result[key] = subject
	}
	return result, nil
}

// cleanList trims entries and splits any that still hold commas.
func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
