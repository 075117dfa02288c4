package callbridge

import (
	"errors"
	"fmt"
	"net"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/harunnryd/callbridge/pkg/relay"
	"github.com/spf13/viper"
)

// EnvPrefix scopes AutomaticEnv overrides, e.g. CALLBRIDGE_LOG_LEVEL.
const EnvPrefix = "CALLBRIDGE"

type Config struct {
	Environment string         `mapstructure:"environment"`
	LogLevel    string         `mapstructure:"log_level"`
	LogFormat   string         `mapstructure:"log_format"`
	Server      ServerConfig   `mapstructure:"server"`
	Telephony   VendorConfig   `mapstructure:"telephony"`
	Agent       VendorConfig   `mapstructure:"agent"`
	Relay       RelayConfig    `mapstructure:"relay"`
	Privacy     PrivacyConfig  `mapstructure:"privacy"`
	Metrics     MetricsConfig  `mapstructure:"metrics"`
	Shutdown    ShutdownConfig `mapstructure:"shutdown"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type ServerConfig struct {
	Host                string `mapstructure:"host"`
	Port                int    `mapstructure:"port"`
	ReadHeaderTimeoutMS int    `mapstructure:"read_header_timeout_ms"`
}

// Addr is the listen address.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

type RelayConfig struct {
	// InitMode is await_start (default) or on_open.
	InitMode string `mapstructure:"init_mode"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
	Path      string `mapstructure:"path"`
}

type ShutdownConfig struct {
	DrainTimeoutMS int `mapstructure:"drain_timeout_ms"`
}

func (s ShutdownConfig) DrainTimeout() time.Duration {
	return time.Duration(s.DrainTimeoutMS) * time.Millisecond
}

// LoadConfig reads the optional YAML file at path, applies defaults and
// environment overrides, expands ${VAR} references and validates the
// result. An empty path configures from the environment alone.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("server.port", EnvPrefix+"_SERVER_PORT", "PORT"); err != nil {
		return Config{}, fmt.Errorf("bind env: %w", err)
	}

	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.read_header_timeout_ms", 5000)

	v.SetDefault("telephony.provider", "twilio")
	v.SetDefault("telephony.settings.account_sid", "${TWILIO_ACCOUNT_SID}")
	v.SetDefault("telephony.settings.auth_token", "${TWILIO_AUTH_TOKEN}")
	v.SetDefault("telephony.settings.phone_number", "${TWILIO_PHONE_NUMBER}")

	v.SetDefault("agent.provider", "elevenlabs")
	v.SetDefault("agent.settings.api_key", "${ELEVENLABS_API_KEY}")
	v.SetDefault("agent.settings.agent_id", "${ELEVENLABS_AGENT_ID}")

	v.SetDefault("relay.init_mode", string(relay.InitAwaitStart))
	v.SetDefault("privacy.redact_pii", true)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "callbridge")
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("shutdown.drain_timeout_ms", 10000)
}

func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Telephony.Provider) == "" {
		errs = append(errs, errors.New("telephony.provider is required"))
	}
	if strings.TrimSpace(c.Agent.Provider) == "" {
		errs = append(errs, errors.New("agent.provider is required"))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if _, err := relay.ParseInitMode(c.Relay.InitMode); err != nil {
		errs = append(errs, fmt.Errorf("relay.init_mode: %w", err))
	}
	if c.Shutdown.DrainTimeoutMS < 0 {
		errs = append(errs, errors.New("shutdown.drain_timeout_ms must not be negative"))
	}
	return errors.Join(errs...)
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Telephony.Settings = expandSettings(cfg.Telephony.Settings)
	cfg.Agent.Settings = expandSettings(cfg.Agent.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	}
}
