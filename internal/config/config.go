package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config contains all runtime settings for the generation orchestrator.
type Config struct {
	BindAddr         string        `validate:"required"`
	ShutdownTimeout  time.Duration `validate:"gt=0"`
	MetricsNamespace string        `validate:"required"`
	AllowAnyOrigin   bool

	LogLevel  string
	LogFormat string `validate:"oneof=json text"`

	Backend   BackendConfig
	Auth      AuthConfig
	Store     StoreConfig
	Transport TransportConfig
	Apply     ApplyConfig
}

type BackendConfig struct {
	Mode        string        `validate:"oneof=http mock"`
	BaseURL     string        `validate:"required_if=Mode http,omitempty,url"`
	WSURL       string        `validate:"omitempty,url"`
	HTTPTimeout time.Duration `validate:"gt=0"`
}

type AuthConfig struct {
	AccessToken  string
	RefreshToken string
	RefreshURL   string        `validate:"omitempty,url"`
	RefreshSkew  time.Duration `validate:"gte=0"`
}

type StoreConfig struct {
	Mode        string `validate:"oneof=memory file postgres"`
	Path        string `validate:"required_if=Mode file"`
	DatabaseURL string `validate:"required_if=Mode postgres"`
}

// TransportConfig holds the per-task timing constants.
type TransportConfig struct {
	FallbackDelay time.Duration `validate:"gt=0"`
	SilenceDelay  time.Duration `validate:"gt=0"`
	PollBase      time.Duration `validate:"gt=0"`
	PollFactor    float64       `validate:"gte=1"`
	PollCap       time.Duration `validate:"gtefield=PollBase"`
	PingInterval  time.Duration `validate:"gt=0"`
}

type ApplyConfig struct {
	MaxAttempts int           `validate:"min=1"`
	BaseDelay   time.Duration `validate:"gt=0"`
	MaxDelay    time.Duration `validate:"gtefield=BaseDelay"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bind_addr", ":8080")
	v.SetDefault("shutdown_timeout", 10*time.Second)
	v.SetDefault("metrics_namespace", "posegen")
	v.SetDefault("allow_any_origin", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("backend.mode", "http")
	v.SetDefault("backend.base_url", "http://127.0.0.1:8000")
	v.SetDefault("backend.ws_url", "")
	v.SetDefault("backend.http_timeout", 20*time.Second)

	v.SetDefault("auth.access_token", "")
	v.SetDefault("auth.refresh_token", "")
	v.SetDefault("auth.refresh_url", "")
	v.SetDefault("auth.refresh_skew", 60*time.Second)

	v.SetDefault("store.mode", "memory")
	v.SetDefault("store.path", "")
	v.SetDefault("store.database_url", "")

	v.SetDefault("transport.fallback_delay", 2500*time.Millisecond)
	v.SetDefault("transport.silence_delay", 3500*time.Millisecond)
	v.SetDefault("transport.poll_base", 2*time.Second)
	v.SetDefault("transport.poll_factor", 1.2)
	v.SetDefault("transport.poll_cap", 15*time.Second)
	v.SetDefault("transport.ping_interval", 25*time.Second)

	v.SetDefault("apply.max_attempts", 10)
	v.SetDefault("apply.base_delay", 250*time.Millisecond)
	v.SetDefault("apply.max_delay", 15*time.Second)
}

// Load reads an optional .env file and POSEGEN_* environment variables on top
// of the defaults, then validates the result.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("POSEGEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	cfg := Config{
		BindAddr:         strings.TrimSpace(v.GetString("bind_addr")),
		ShutdownTimeout:  v.GetDuration("shutdown_timeout"),
		MetricsNamespace: strings.TrimSpace(v.GetString("metrics_namespace")),
		AllowAnyOrigin:   v.GetBool("allow_any_origin"),
		LogLevel:         strings.TrimSpace(v.GetString("log.level")),
		LogFormat:        strings.ToLower(strings.TrimSpace(v.GetString("log.format"))),
		Backend: BackendConfig{
			Mode:        strings.ToLower(strings.TrimSpace(v.GetString("backend.mode"))),
			BaseURL:     strings.TrimRight(strings.TrimSpace(v.GetString("backend.base_url")), "/"),
			WSURL:       strings.TrimRight(strings.TrimSpace(v.GetString("backend.ws_url")), "/"),
			HTTPTimeout: v.GetDuration("backend.http_timeout"),
		},
		Auth: AuthConfig{
			AccessToken:  strings.TrimSpace(v.GetString("auth.access_token")),
			RefreshToken: strings.TrimSpace(v.GetString("auth.refresh_token")),
			RefreshURL:   strings.TrimSpace(v.GetString("auth.refresh_url")),
			RefreshSkew:  v.GetDuration("auth.refresh_skew"),
		},
		Store: StoreConfig{
			Mode:        strings.ToLower(strings.TrimSpace(v.GetString("store.mode"))),
			Path:        strings.TrimSpace(v.GetString("store.path")),
			DatabaseURL: strings.TrimSpace(v.GetString("store.database_url")),
		},
		Transport: TransportConfig{
			FallbackDelay: v.GetDuration("transport.fallback_delay"),
			SilenceDelay:  v.GetDuration("transport.silence_delay"),
			PollBase:      v.GetDuration("transport.poll_base"),
			PollFactor:    v.GetFloat64("transport.poll_factor"),
			PollCap:       v.GetDuration("transport.poll_cap"),
			PingInterval:  v.GetDuration("transport.ping_interval"),
		},
		Apply: ApplyConfig{
			MaxAttempts: v.GetInt("apply.max_attempts"),
			BaseDelay:   v.GetDuration("apply.base_delay"),
			MaxDelay:    v.GetDuration("apply.max_delay"),
		},
	}

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
