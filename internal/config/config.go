package config

import (
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	// Session tokens issued after login.
	SessionSecret   string `mapstructure:"SESSION_SECRET"`
	SessionTTLHours int    `mapstructure:"SESSION_TTL_HOURS"`

	// Telegram bot front-end. An empty token disables the bot.
	BotToken      string `mapstructure:"BOT_TOKEN"`
	BotAllowedIDs string `mapstructure:"BOT_ALLOWED_IDS"`

	// Fixed roster of chat ids that receive every mutation notification.
	NotifyChatIDs string `mapstructure:"NOTIFY_CHAT_IDS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("SESSION_TTL_HOURS", 24)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("SESSION_SECRET")
	v.BindEnv("SESSION_TTL_HOURS")
	v.BindEnv("BOT_TOKEN")
	v.BindEnv("BOT_ALLOWED_IDS")
	v.BindEnv("NOTIFY_CHAT_IDS")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() && cfg.SessionSecret == "" {
		log.Println("WARNING: SESSION_SECRET is empty; using an insecure development secret.")
		log.Println("WARNING: Set SESSION_SECRET before running outside development.")
		cfg.SessionSecret = "radonco-dev-secret"
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Outside development
// a real SESSION_SECRET must be set, and a configured bot requires a token
// whenever an allow-list or notification roster is present.
func (c *Config) Validate() error {
	if !c.IsDev() && (c.SessionSecret == "" || c.SessionSecret == "radonco-dev-secret") {
		return fmt.Errorf("SESSION_SECRET must be set when ENV=%q", c.Env)
	}
	if c.SessionTTLHours <= 0 {
		return fmt.Errorf("SESSION_TTL_HOURS must be positive, got %d", c.SessionTTLHours)
	}
	if c.BotToken == "" && (c.BotAllowedIDs != "" || c.NotifyChatIDs != "") {
		return fmt.Errorf("BOT_TOKEN is required when BOT_ALLOWED_IDS or NOTIFY_CHAT_IDS is set")
	}
	if _, err := c.AllowedTelegramIDs(); err != nil {
		return err
	}
	if _, err := c.NotifyRoster(); err != nil {
		return err
	}
	return nil
}

// AllowedTelegramIDs parses BOT_ALLOWED_IDS into the set of chat identities
// permitted to use the bot.
func (c *Config) AllowedTelegramIDs() ([]int64, error) {
	return parseChatIDs("BOT_ALLOWED_IDS", c.BotAllowedIDs)
}

// NotifyRoster parses NOTIFY_CHAT_IDS into the broadcast recipient roster.
func (c *Config) NotifyRoster() ([]int64, error) {
	return parseChatIDs("NOTIFY_CHAT_IDS", c.NotifyChatIDs)
}

func parseChatIDs(key, raw string) ([]int64, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s contains invalid chat id %q", key, p)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
