package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	// PostgreSQL
	Postgres PostgresConfig `mapstructure:"postgres"`

	// Redis
	Redis RedisConfig `mapstructure:"redis"`

	// NATS
	NATS NATSConfig `mapstructure:"nats"`

	// Prometheus
	Prometheus PrometheusConfig `mapstructure:"prometheus"`

	// HTTP server
	Server ServerConfig `mapstructure:"server"`

	// Tracking (consent, classification, recording)
	Tracking TrackingConfig `mapstructure:"tracking"`

	// Retention janitor
	Retention RetentionConfig `mapstructure:"retention"`

	// Dashboard read path
	Dashboard DashboardConfig `mapstructure:"dashboard"`

	// Privacy API
	Privacy PrivacyConfig `mapstructure:"privacy"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	Port     int    `mapstructure:"port"`
	SSLMode  string `mapstructure:"sslmode"`

	MaxConns          int32  `mapstructure:"max_conns"`
	MinConns          int32  `mapstructure:"min_conns"`
	MaxConnLifetime   string `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime   string `mapstructure:"max_conn_idle_time"`
	HealthCheckPeriod string `mapstructure:"health_check_period"`
}

type RedisConfig struct {
	// Enabled toggles the Redis-backed dashboard cache, rate limiting and janitor lock.
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type NATSConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	User        string `mapstructure:"user"`
	Password    string `mapstructure:"password"`
	MonitorPort int    `mapstructure:"monitor_port"`
}

type PrometheusConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr" validate:"required"`
	// TrustProxy makes client IP resolution honor X-Forwarded-For / X-Real-IP.
	TrustProxy bool `mapstructure:"trust_proxy"`
	// AdminKey guards the analytics and privacy APIs (bearer token).
	AdminKey string `mapstructure:"admin_key"`
	// RateLimit is the per-IP request budget per minute for the beacon endpoints.
	RateLimit int `mapstructure:"rate_limit" validate:"gte=0"`
	// StaticDir holds the site pages served (and tracked) at /.
	StaticDir string `mapstructure:"static_dir"`
	// CORSOrigins may call the beacon and API endpoints from the browser.
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// Signature maps a user-agent substring to a family label.
type Signature struct {
	Pattern string `mapstructure:"pattern" json:"pattern"`
	Label   string `mapstructure:"label" json:"label"`
}

type TrackingConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Consent
	RequireConsent      bool   `mapstructure:"require_consent"`
	DefaultConsent      bool   `mapstructure:"default_consent"`
	ConsentCookie       string `mapstructure:"consent_cookie" validate:"required"`
	ConsentLifetimeDays int    `mapstructure:"consent_lifetime_days" validate:"gt=0"`

	// Sessions
	TrackSessions       bool   `mapstructure:"track_sessions"`
	SessionCookie       string `mapstructure:"session_cookie" validate:"required"`
	SessionCookieMaxAge int    `mapstructure:"session_cookie_max_age" validate:"gte=0"`
	ExpectedSessions    uint   `mapstructure:"expected_sessions" validate:"gt=0"`

	// IdleCloseSchedule is the cron spec on which sessions idle for longer
	// than SessionCookieMaxAge are closed. Empty disables it.
	IdleCloseSchedule string `mapstructure:"idle_close_schedule"`

	// Classification
	DetectBots       bool        `mapstructure:"detect_bots"`
	TrackBots        bool        `mapstructure:"track_bots"`
	DetectBrowser    bool        `mapstructure:"detect_browser"`
	DetectOS         bool        `mapstructure:"detect_os"`
	BotSignatures    []string    `mapstructure:"bot_signatures"`
	TabletSignatures []string    `mapstructure:"tablet_signatures"`
	MobileSignatures []string    `mapstructure:"mobile_signatures"`
	Browsers         []Signature `mapstructure:"browsers"`
	OperatingSystems []Signature `mapstructure:"operating_systems"`

	// Exclusions
	ExcludedPaths      []string `mapstructure:"excluded_paths"`
	ExcludedIPs        []string `mapstructure:"excluded_ips"`
	ExcludedUserAgents []string `mapstructure:"excluded_user_agents"`

	// Privacy
	AnonymizeIP bool   `mapstructure:"anonymize_ip"`
	Secret      string `mapstructure:"secret"`

	// Recording
	MaxResponseTimeMs int  `mapstructure:"max_response_time_ms" validate:"gte=0"`
	Async             bool `mapstructure:"async"`
}

type RetentionConfig struct {
	// Days is the retention window; 0 disables cleanup.
	Days       int           `mapstructure:"days" validate:"gte=0,lte=36500"`
	BatchSize  int           `mapstructure:"batch_size" validate:"gt=0"`
	BatchPause time.Duration `mapstructure:"batch_pause"`
	Schedule   string        `mapstructure:"schedule"`
	LockTTL    time.Duration `mapstructure:"lock_ttl"`
	LockFile   string        `mapstructure:"lock_file"`
}

type DashboardConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	// Engagement thresholds: a session is engaged when it lasts at least
	// EngagedMinDuration or has at least EngagedMinPageViews views.
	EngagedMinDuration  time.Duration `mapstructure:"engaged_min_duration"`
	EngagedMinPageViews int           `mapstructure:"engaged_min_page_views" validate:"gte=1"`
	DefaultTrendDays    int           `mapstructure:"default_trend_days" validate:"gt=0"`
	PopularPagesLimit   int           `mapstructure:"popular_pages_limit" validate:"gt=0"`
}

type PrivacyConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

func Load() (*Config, error) {
	// Load local .env for development (ignored when missing).
	if err := godotenv.Load(".env"); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	v := viper.New()

	// Search for config/config.yaml (plus root for overrides).
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Allow environment variables to override YAML entries.
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Preserve legacy env variable names.
	bindEnvVars(v)

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the struct-level constraints declared in validate tags.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Default returns the configuration produced by defaults alone.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	cfg, err := decode(v)
	if err != nil {
		panic(err)
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("redis.enabled", false)
	v.SetDefault("prometheus.enabled", false)
	v.SetDefault("prometheus.port", 9090)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.trust_proxy", false)
	v.SetDefault("server.rate_limit", 120)
	v.SetDefault("server.static_dir", "./public")
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("tracking.enabled", true)
	v.SetDefault("tracking.require_consent", false)
	v.SetDefault("tracking.default_consent", true)
	v.SetDefault("tracking.consent_cookie", "pt_consent")
	v.SetDefault("tracking.consent_lifetime_days", 365)
	v.SetDefault("tracking.track_sessions", true)
	v.SetDefault("tracking.session_cookie", "pt_sid")
	v.SetDefault("tracking.session_cookie_max_age", 1800)
	v.SetDefault("tracking.expected_sessions", 100000)
	v.SetDefault("tracking.idle_close_schedule", "*/5 * * * *")
	v.SetDefault("tracking.detect_bots", true)
	v.SetDefault("tracking.track_bots", false)
	v.SetDefault("tracking.detect_browser", true)
	v.SetDefault("tracking.detect_os", true)
	v.SetDefault("tracking.bot_signatures", []string{
		"bot", "crawler", "spider", "lighthouse", "pagespeed", "prerender",
		"headless", "pingdom", "slurp", "facebookexternalhit", "curl", "wget",
	})
	v.SetDefault("tracking.tablet_signatures", []string{"ipad", "tablet", "kindle", "silk", "playbook"})
	v.SetDefault("tracking.mobile_signatures", []string{"mobile", "android", "iphone", "ipod", "blackberry", "windows phone", "opera mini"})
	v.SetDefault("tracking.browsers", []map[string]string{
		{"pattern": "edg", "label": "Edge"},
		{"pattern": "opr", "label": "Opera"},
		{"pattern": "opera", "label": "Opera"},
		{"pattern": "firefox", "label": "Firefox"},
		{"pattern": "chrome", "label": "Chrome"},
		{"pattern": "safari", "label": "Safari"},
		{"pattern": "msie", "label": "Internet Explorer"},
		{"pattern": "trident", "label": "Internet Explorer"},
	})
	v.SetDefault("tracking.operating_systems", []map[string]string{
		{"pattern": "windows", "label": "Windows"},
		{"pattern": "iphone", "label": "iOS"},
		{"pattern": "ipad", "label": "iOS"},
		{"pattern": "mac os", "label": "macOS"},
		{"pattern": "android", "label": "Android"},
		{"pattern": "linux", "label": "Linux"},
	})
	v.SetDefault("tracking.excluded_paths", []string{"/api/*", "/health", "/metrics", "/favicon.ico", "*.css", "*.js", "*.png", "*.svg"})
	v.SetDefault("tracking.excluded_ips", []string{})
	v.SetDefault("tracking.excluded_user_agents", []string{})
	v.SetDefault("tracking.anonymize_ip", true)
	v.SetDefault("tracking.max_response_time_ms", 30000)
	v.SetDefault("tracking.async", false)

	v.SetDefault("retention.days", 365)
	v.SetDefault("retention.batch_size", 1000)
	v.SetDefault("retention.batch_pause", 50*time.Millisecond)
	v.SetDefault("retention.schedule", "30 3 * * *")
	v.SetDefault("retention.lock_ttl", 30*time.Minute)
	v.SetDefault("retention.lock_file", os.TempDir()+"/powertrack-janitor.lock")

	v.SetDefault("dashboard.cache_ttl", 5*time.Minute)
	v.SetDefault("dashboard.engaged_min_duration", 30*time.Second)
	v.SetDefault("dashboard.engaged_min_page_views", 2)
	v.SetDefault("dashboard.default_trend_days", 30)
	v.SetDefault("dashboard.popular_pages_limit", 10)

	v.SetDefault("privacy.enabled", true)
}

func bindEnvVars(v *viper.Viper) {
	// PostgreSQL
	v.BindEnv("postgres.host", "PG_HOST")
	v.BindEnv("postgres.user", "PG_USER")
	v.BindEnv("postgres.password", "PG_PASSWORD")
	v.BindEnv("postgres.database", "PG_DB")
	v.BindEnv("postgres.port", "PG_PORT")
	v.BindEnv("postgres.sslmode", "PG_SSLMODE")

	// Redis
	v.BindEnv("redis.enabled", "REDIS_ENABLED")
	v.BindEnv("redis.host", "REDIS_HOST")
	v.BindEnv("redis.port", "REDIS_PORT")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("redis.db", "REDIS_DB")

	// NATS
	v.BindEnv("nats.host", "NATS_HOST")
	v.BindEnv("nats.port", "NATS_PORT")
	v.BindEnv("nats.user", "NATS_USER")
	v.BindEnv("nats.password", "NATS_PASSWORD")
	v.BindEnv("nats.monitor_port", "NATS_MONITOR_PORT")

	// Prometheus
	v.BindEnv("prometheus.enabled", "PROM_ENABLED")
	v.BindEnv("prometheus.port", "PROM_PORT")

	// Server
	v.BindEnv("server.addr", "LISTEN_ADDR")
	v.BindEnv("server.admin_key", "ADMIN_KEY")

	// Tracking
	v.BindEnv("tracking.enabled", "ANALYTICS_ENABLED")
	v.BindEnv("tracking.require_consent", "ANALYTICS_REQUIRE_CONSENT")
	v.BindEnv("tracking.secret", "ANALYTICS_SECRET")

	// Retention
	v.BindEnv("retention.days", "ANALYTICS_RETENTION_DAYS")
}
