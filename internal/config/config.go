package config

import (
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type TLSConfig struct {
	Enabled  bool
	CertFile string
	KeyFile  string
}

type HTTPConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type PostgresConfig struct {
	DSN             string
	MaxOpen         int
	MaxIdle         int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type ArchiveConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Region    string
	// Events older than RetainFor are exported to the bucket and marked
	// archived by the daily job.
	RetainFor time.Duration
}

type SecurityConfig struct {
	JWTAccessSecret string
	AccessTTL       time.Duration
	RefreshTTL      time.Duration
	IdleTimeout     time.Duration
	AbsoluteTimeout time.Duration
	MaxSessions     int

	// Escalating login lockout thresholds (failures within LockoutWindow).
	LockoutWindow          time.Duration
	LockoutShortThreshold  int
	LockoutShortDuration   time.Duration
	LockoutLongThreshold   int
	LockoutLongDuration    time.Duration
	LockoutSevereThreshold int
	LockoutSevereDuration  time.Duration

	// Window inside which an IP-prefix change across a user's devices is
	// flagged as impossible travel.
	TravelWindow time.Duration
}

type TabsConfig struct {
	HeartbeatInterval time.Duration
}

type JobsConfig struct {
	SweepSpec   string
	ArchiveSpec string
	SweepRetry  int
}

type AppConfig struct {
	Environment      string
	HTTP             HTTPConfig
	TLS              TLSConfig
	Postgres         PostgresConfig
	Redis            RedisConfig
	Archive          ArchiveConfig
	Security         SecurityConfig
	Tabs             TabsConfig
	Jobs             JobsConfig
	AllowCORSOrigins []string
}

func Load() (*AppConfig, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("../config")

	v.SetEnvPrefix("LOCKSTEP")
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.readtimeout", "10s")
	v.SetDefault("http.writetimeout", "15s")
	v.SetDefault("http.idletimeout", "60s")

	v.SetDefault("postgres.maxopen", 30)
	v.SetDefault("postgres.maxidle", 10)
	v.SetDefault("postgres.connmaxlifetime", "30m")

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("archive.bucket", "lockstep-audit")
	v.SetDefault("archive.usessl", false)
	v.SetDefault("archive.region", "us-east-1")
	v.SetDefault("archive.retainfor", "24h")

	v.SetDefault("security.accessttl", "15m")
	v.SetDefault("security.refreshttl", "720h") // 30 days
	v.SetDefault("security.idletimeout", "30m")
	v.SetDefault("security.absolutetimeout", "24h")
	v.SetDefault("security.maxsessions", 10)

	v.SetDefault("security.lockoutwindow", "15m")
	v.SetDefault("security.lockoutshortthreshold", 5)
	v.SetDefault("security.lockoutshortduration", "1m")
	v.SetDefault("security.lockoutlongthreshold", 10)
	v.SetDefault("security.lockoutlongduration", "15m")
	v.SetDefault("security.lockoutseverethreshold", 20)
	v.SetDefault("security.lockoutsevereduration", "1h")

	v.SetDefault("security.travelwindow", "1h")

	// Conservative defaults; the dead-peer threshold is always 2x this.
	v.SetDefault("tabs.heartbeatinterval", "5s")

	v.SetDefault("jobs.sweepspec", "*/30 * * * * *")
	v.SetDefault("jobs.archivespec", "0 0 3 * * *")
	v.SetDefault("jobs.sweepretry", 3)
}
