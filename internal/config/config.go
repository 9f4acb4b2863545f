package config

import (
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Mode string

const (
	ModeOffline Mode = "offline"
	ModeOnline  Mode = "online"
)

type Config struct {
	Mode     Mode
	HTTPAddr string
	SiteID   string

	DBDriver string
	DBDSN    string

	RedisAddr     string // empty means in-process cache and code registry
	RedisPassword string
	RedisDB       int

	AuthHMACSecret  string
	EnableLocalAuth bool
	AdminUser       string
	AdminPassHash   string // bcrypt

	CORSOriginsOnline  []string
	CORSOriginsOffline []string

	SweepInterval     time.Duration
	SweepBatch        int
	RetryAttempts     int
	RetryBaseDelay    time.Duration
	AccessCodeTTL     time.Duration
	AnalyticsCacheTTL time.Duration

	LogLevel  string
	LogPretty bool
}

// CORSOrigins returns the allow-list for the active mode.
func (c Config) CORSOrigins() []string {
	if c.Mode == ModeOnline {
		return c.CORSOriginsOnline
	}
	return c.CORSOriginsOffline
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("MODE", string(ModeOffline))
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("SITE_ID", "local")
	v.SetDefault("DB_DRIVER", "sqlite")
	v.SetDefault("DB_DSN", "") // db.Open picks a per-driver default
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("AUTH_HMAC_SECRET", "dev-secret-change-me")
	v.SetDefault("ADMIN_USER", "admin")
	v.SetDefault("ADMIN_PASS_HASH", "$2y$12$pyZAiWaTfVtM7UElIRStvOC3gNbnp70nmQU4eYopLGBfCJr1DOvji")
	v.SetDefault("CORS_ORIGINS_ONLINE", "https://quiz.mindengage.ai")
	v.SetDefault("CORS_ORIGINS_OFFLINE", "http://localhost:3000,http://localhost:3010")
	v.SetDefault("SWEEP_INTERVAL", "15s")
	v.SetDefault("SWEEP_BATCH", 200)
	v.SetDefault("RETRY_ATTEMPTS", 3)
	v.SetDefault("RETRY_BASE_DELAY", "50ms")
	v.SetDefault("ACCESS_CODE_TTL", "2160h")
	v.SetDefault("ANALYTICS_CACHE_TTL", "30s")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_PRETTY", false)
}

// Load reads an optional .env file from dir, then the environment, which
// wins over the file.
func Load(dir string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(dir)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, err
		}
		log.Debug().Str("dir", dir).Msg("config: no .env file, using environment")
	}

	mode := Mode(strings.ToLower(v.GetString("MODE")))
	if mode != ModeOnline {
		mode = ModeOffline
	}
	// no default registered: local login is on only for offline sites
	// unless the operator says otherwise
	localAuth := mode == ModeOffline
	if v.IsSet("ENABLE_LOCAL_AUTH") {
		localAuth = v.GetBool("ENABLE_LOCAL_AUTH")
	}
	cfg := Config{
		Mode:     mode,
		HTTPAddr: v.GetString("HTTP_ADDR"),
		SiteID:   v.GetString("SITE_ID"),

		DBDriver: v.GetString("DB_DRIVER"),
		DBDSN:    v.GetString("DB_DSN"),

		RedisAddr:     v.GetString("REDIS_ADDR"),
		RedisPassword: v.GetString("REDIS_PASSWORD"),
		RedisDB:       v.GetInt("REDIS_DB"),

		AuthHMACSecret:  v.GetString("AUTH_HMAC_SECRET"),
		EnableLocalAuth: localAuth,
		AdminUser:       v.GetString("ADMIN_USER"),
		AdminPassHash:   v.GetString("ADMIN_PASS_HASH"),

		CORSOriginsOnline:  csv(v.GetString("CORS_ORIGINS_ONLINE")),
		CORSOriginsOffline: csv(v.GetString("CORS_ORIGINS_OFFLINE")),

		SweepInterval:     v.GetDuration("SWEEP_INTERVAL"),
		SweepBatch:        v.GetInt("SWEEP_BATCH"),
		RetryAttempts:     v.GetInt("RETRY_ATTEMPTS"),
		RetryBaseDelay:    v.GetDuration("RETRY_BASE_DELAY"),
		AccessCodeTTL:     v.GetDuration("ACCESS_CODE_TTL"),
		AnalyticsCacheTTL: v.GetDuration("ANALYTICS_CACHE_TTL"),

		LogLevel:  v.GetString("LOG_LEVEL"),
		LogPretty: v.GetBool("LOG_PRETTY"),
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 15 * time.Second
	}
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}
	return cfg, nil
}

func csv(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
