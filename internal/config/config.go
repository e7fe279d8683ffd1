// Package config loads service settings: built-in defaults, then an optional
// YAML file named by REVEALGUARD_CONFIG, then REVEALGUARD_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const fileEnv = "REVEALGUARD_CONFIG"

type Config struct {
	HTTP     HTTP     `yaml:"http"`
	GRPC     GRPC     `yaml:"grpc"`
	Postgres Postgres `yaml:"postgres"`
	Redis    Redis    `yaml:"redis"`
	Auth     Auth     `yaml:"auth"`
	Sealer   Sealer   `yaml:"sealer"`
	Reveal   Reveal   `yaml:"reveal"`
	Links    Links    `yaml:"links"`
	Rotation Rotation `yaml:"rotation"`
	Audit    Audit    `yaml:"audit"`
	Notify   Notify   `yaml:"notify"`
}

type HTTP struct {
	Addr          string   `yaml:"addr"`
	PublicBaseURL string   `yaml:"public_base_url"`
	CORSOrigins   []string `yaml:"cors_origins"`
	// GuestRPS and GuestBurst bound unauthenticated link access per client IP.
	GuestRPS   float64 `yaml:"guest_rps"`
	GuestBurst int     `yaml:"guest_burst"`
	// TrustedProxies (CIDRs or addresses) may set X-Forwarded-For and X-Real-IP.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

type GRPC struct {
	Addr string `yaml:"addr"`
}

type Postgres struct {
	DSN string `yaml:"dsn"`
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type Auth struct {
	Secret string `yaml:"secret"`
}

type Sealer struct {
	Key string `yaml:"key"`
}

type Reveal struct {
	MaxCalls      int  `yaml:"max_calls"`
	WindowSeconds int  `yaml:"window_seconds"`
	MFA           bool `yaml:"mfa"`
}

type Links struct {
	SweepSeconds int `yaml:"sweep_seconds"`
}

type Rotation struct {
	TickSeconds int `yaml:"tick_seconds"`
}

type Audit struct {
	RetentionDays  int `yaml:"retention_days"`
	CleanupSeconds int `yaml:"cleanup_seconds"`
}

type Notify struct {
	WebhookURL string   `yaml:"webhook_url"`
	Recipients []string `yaml:"recipients"`
}

func Default() Config {
	return Config{
		HTTP: HTTP{
			Addr:          ":8080",
			PublicBaseURL: "http://localhost:8080",
			GuestRPS:      1,
			GuestBurst:    5,
		},
		GRPC:     GRPC{Addr: ":9090"},
		Reveal:   Reveal{MaxCalls: 5, WindowSeconds: 60},
		Links:    Links{SweepSeconds: 3600},
		Rotation: Rotation{TickSeconds: 3600},
		Audit:    Audit{RetentionDays: 90, CleanupSeconds: 86400},
	}
}

func (r Reveal) Window() time.Duration { return time.Duration(r.WindowSeconds) * time.Second }
func (l Links) SweepEvery() time.Duration { return time.Duration(l.SweepSeconds) * time.Second }
func (r Rotation) Every() time.Duration { return time.Duration(r.TickSeconds) * time.Second }
func (a Audit) CleanupEvery() time.Duration { return time.Duration(a.CleanupSeconds) * time.Second }

// Load reads the configuration from the file named by REVEALGUARD_CONFIG, if
// any, and the environment.
func Load() (Config, error) {
	return LoadFile(os.Getenv(fileEnv))
}

// LoadFile is Load with an explicit file path. An empty path skips the file.
func LoadFile(path string) (Config, error) {
	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config load: %w", err)
		}
		if err := yaml.Unmarshal(data, &c); err != nil {
			return Config{}, fmt.Errorf("config unmarshal: %w", err)
		}
	}
	if err := applyEnvOverrides(&c); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	var problems []string
	if c.Reveal.MaxCalls <= 0 {
		problems = append(problems, "reveal.max_calls must be positive")
	}
	if c.Reveal.WindowSeconds <= 0 {
		problems = append(problems, "reveal.window_seconds must be positive")
	}
	if c.Audit.RetentionDays < 1 {
		problems = append(problems, "audit.retention_days must be at least 1")
	}
	if c.HTTP.GuestRPS <= 0 || c.HTTP.GuestBurst <= 0 {
		problems = append(problems, "http.guest_rps and http.guest_burst must be positive")
	}
	if len(problems) > 0 {
		return errors.New("invalid config: " + strings.Join(problems, "; "))
	}
	return nil
}

func applyEnvOverrides(c *Config) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			var out []string
			for _, item := range strings.Split(v, ",") {
				if item = strings.TrimSpace(item); item != "" {
					out = append(out, item)
				}
			}
			*dst = out
		}
	}
	var bad []string
	num := func(key string, dst *int) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				bad = append(bad, key)
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				bad = append(bad, key)
				return
			}
			*dst = b
		}
	}

	str("REVEALGUARD_HTTP_ADDR", &c.HTTP.Addr)
	str("REVEALGUARD_PUBLIC_BASE_URL", &c.HTTP.PublicBaseURL)
	list("REVEALGUARD_CORS_ORIGINS", &c.HTTP.CORSOrigins)
	if v := strings.TrimSpace(os.Getenv("REVEALGUARD_GUEST_RPS")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			bad = append(bad, "REVEALGUARD_GUEST_RPS")
		} else {
			c.HTTP.GuestRPS = f
		}
	}
	num("REVEALGUARD_GUEST_BURST", &c.HTTP.GuestBurst)
	list("REVEALGUARD_TRUSTED_PROXIES", &c.HTTP.TrustedProxies)
	str("REVEALGUARD_GRPC_ADDR", &c.GRPC.Addr)
	str("REVEALGUARD_PG_DSN", &c.Postgres.DSN)
	str("REVEALGUARD_REDIS_ADDR", &c.Redis.Addr)
	str("REVEALGUARD_REDIS_PASSWORD", &c.Redis.Password)
	num("REVEALGUARD_REDIS_DB", &c.Redis.DB)
	str("REVEALGUARD_AUTH_SECRET", &c.Auth.Secret)
	str("REVEALGUARD_SEALER_KEY", &c.Sealer.Key)
	num("REVEALGUARD_REVEAL_MAX_CALLS", &c.Reveal.MaxCalls)
	num("REVEALGUARD_REVEAL_WINDOW_SECONDS", &c.Reveal.WindowSeconds)
	flag("REVEALGUARD_MFA", &c.Reveal.MFA)
	num("REVEALGUARD_LINK_SWEEP_SECONDS", &c.Links.SweepSeconds)
	num("REVEALGUARD_ROTATION_TICK_SECONDS", &c.Rotation.TickSeconds)
	num("REVEALGUARD_AUDIT_RETENTION_DAYS", &c.Audit.RetentionDays)
	num("REVEALGUARD_AUDIT_CLEANUP_SECONDS", &c.Audit.CleanupSeconds)
	str("REVEALGUARD_NOTIFY_WEBHOOK", &c.Notify.WebhookURL)
	list("REVEALGUARD_NOTIFY_RECIPIENTS", &c.Notify.Recipients)

	if len(bad) > 0 {
		return fmt.Errorf("invalid value for %s", strings.Join(bad, ", "))
	}
	return nil
}
