package shared

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog/log"

	"mutelu/internal/domain"
)

const (
	EnvPrefix     = "MUTELU_"
	ConfigPathEnv = "CONFIG_PATH"
)

var DefaultConfigPaths = []string{"config.yaml", "config.yml", "/etc/mutelu/config.yaml"}

type RateLimitConfig struct {
	Requests int           `koanf:"requests" validate:"gte=0"`
	Window   time.Duration `koanf:"window"`
}

type RoutingConfig struct {
	BaseURL           string        `koanf:"base_url" validate:"omitempty,url"`
	Timeout           time.Duration `koanf:"timeout"`
	Interval          time.Duration `koanf:"interval" validate:"gte=0"`
	Burst             int           `koanf:"burst" validate:"gte=1"`
	Workers           int           `koanf:"workers" validate:"gte=1,lte=64"`
	MaxRouteMeters    float64       `koanf:"max_route_meters" validate:"gt=0"`
	MaxStraightMeters float64       `koanf:"max_straight_meters" validate:"gt=0"`
	BreakerFailures   uint32        `koanf:"breaker_failures"`
	BreakerOpenFor    time.Duration `koanf:"breaker_open_for"`
}

type CheckInConfig struct {
	Cooldown        time.Duration `koanf:"cooldown" validate:"gte=0"`
	MeritPoints     int           `koanf:"merit_points" validate:"gte=0"`
	ProximityMeters float64       `koanf:"proximity_meters" validate:"gte=0"`
}

type AffinityConfig struct {
	RetentionDays int           `koanf:"retention_days" validate:"gte=0"`
	PurgeInterval time.Duration `koanf:"purge_interval"`
	ScorePolicy   string        `koanf:"score_policy" validate:"oneof=accumulate rebuild"`
}

type RecommendConfig struct {
	DefaultTop  int `koanf:"default_top" validate:"gte=1"`
	FallbackTop int `koanf:"fallback_top" validate:"gte=1"`
}

type NearestConfig struct {
	Prefilter int `koanf:"prefilter" validate:"gte=1"`
	Top       int `koanf:"top" validate:"gte=1"`
}

type EventsConfig struct {
	Async  bool  `koanf:"async"`
	Buffer int64 `koanf:"buffer"`
}

type ImportConfig struct {
	Workers int `koanf:"workers" validate:"gte=1"`
}

type Config struct {
	AppEnv      string `koanf:"app_env"`
	LogLevel    string `koanf:"log_level"`
	HTTPAddr    string `koanf:"http_addr" validate:"required"`
	MetricsAddr string `koanf:"metrics_addr"`

	Store    string `koanf:"store" validate:"oneof=mysql memory"`
	MySQLDSN string `koanf:"mysql_dsn" validate:"required_if=Store mysql"`

	Cache     string        `koanf:"cache" validate:"oneof=redis memory none"`
	RedisAddr string        `koanf:"redis_addr" validate:"required_if=Cache redis"`
	RedisPass string        `koanf:"redis_password"`
	RedisDB   int           `koanf:"redis_db" validate:"gte=0"`
	CacheTTL  time.Duration `koanf:"cache_ttl"`

	CatalogPath string `koanf:"catalog_path"`
	AdminKey    string `koanf:"admin_key"`

	RateLimit RateLimitConfig `koanf:"rate_limit"`
	Region    domain.Region   `koanf:"region"`
	Routing   RoutingConfig   `koanf:"routing"`
	CheckIn   CheckInConfig   `koanf:"checkin"`
	Affinity  AffinityConfig  `koanf:"affinity"`
	Recommend RecommendConfig `koanf:"recommend"`
	Nearest   NearestConfig   `koanf:"nearest"`
	Events    EventsConfig    `koanf:"events"`
	Import    ImportConfig    `koanf:"import"`
}

func Defaults() Config {
	return Config{
		AppEnv:    "prod",
		LogLevel:  "info",
		HTTPAddr:  ":8080",
		Store:     "memory",
		MySQLDSN:  "root:root@tcp(localhost:3306)/mutelu?parseTime=true&charset=utf8mb4&loc=UTC",
		Cache:     "memory",
		RedisAddr: "localhost:6379",
		CacheTTL:  5 * time.Minute,
		RateLimit: RateLimitConfig{Requests: 100, Window: time.Minute},
		Region:    domain.Bangkok,
		Routing: RoutingConfig{
			BaseURL:           "https://router.project-osrm.org",
			Timeout:           10 * time.Second,
			Interval:          150 * time.Millisecond,
			Burst:             1,
			Workers:           4,
			MaxRouteMeters:    1_000_000,
			MaxStraightMeters: 50_000,
			BreakerFailures:   5,
			BreakerOpenFor:    30 * time.Second,
		},
		CheckIn:   CheckInConfig{Cooldown: 24 * time.Hour, MeritPoints: 15, ProximityMeters: 50_000},
		Affinity:  AffinityConfig{RetentionDays: 90, PurgeInterval: 24 * time.Hour, ScorePolicy: "accumulate"},
		Recommend: RecommendConfig{DefaultTop: 5, FallbackTop: 3},
		Nearest:   NearestConfig{Prefilter: 8, Top: 3},
		Events:    EventsConfig{Buffer: 256},
		Import:    ImportConfig{Workers: 8},
	}
}

// Load layers defaults, an optional YAML file and MUTELU_* env vars, in that
// order of precedence, then validates the result.
func Load() (Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}
	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
		log.Info().Str("path", path).Msg("config file loaded")
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}

	var c Config
	if err := k.Unmarshal("", &c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	if c.AdminKey == "" {
		log.Warn().Msg("admin_key is empty; admin endpoints are disabled")
	}
	return c, nil
}

// envKey maps MUTELU_CHECKIN__COOLDOWN to checkin.cooldown.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnv); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
		log.Warn().Str("path", p).Msg("CONFIG_PATH does not exist; ignoring")
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

var validate = validator.New()

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Region.MinLat >= c.Region.MaxLat || c.Region.MinLon >= c.Region.MaxLon {
		return fmt.Errorf("invalid config: empty region %+v", c.Region)
	}
	return nil
}
