package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
	"github.com/joho/godotenv"
)

// FeedSource names one static JSON report feed.
type FeedSource struct {
	Name string
	URL  string
}

// Config holds all service settings, populated from environment variables.
type Config struct {
	FeedSources     []FeedSource
	FeedTimeout     time.Duration
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	ReloadInterval time.Duration
	NoticeTTL      time.Duration
	TopN           int
	DebugLogSize   int

	// Snapshot store configuration. StoreDriver "none" disables persistence.
	StoreDriver string
	StoreDSN    string

	// Kafka sighting sink, enabled when brokers are set.
	KafkaBrokers []string
	KafkaTopic   string

	// LocationIQ geocoding configuration.
	GeocoderToken       string
	GeocoderEnabled     bool
	GeocoderTimeout     time.Duration
	GeocoderCacheSize   int
	GeocoderCountry     string
	GeocoderLanguage    string
	GeocoderMinInterval time.Duration
}

// Load reads configuration from environment variables (and a .env file when
// present), applying defaults where unset.
func Load() (*Config, error) {
	_ = godotenv.Load()

	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	feeds, err := ParseFeedSources(os.Getenv("FEED_SOURCES"))
	if err != nil {
		return nil, err
	}

	feedTimeout, err := parseDuration("FEED_TIMEOUT", "10s", false)
	if err != nil {
		return nil, err
	}
	reloadInterval, err := parseDuration("RELOAD_INTERVAL", "1h", true)
	if err != nil {
		return nil, err
	}
	noticeTTL, err := parseDuration("NOTICE_TTL", "5s", false)
	if err != nil {
		return nil, err
	}
	geocoderTimeout, err := parseDuration("GEOCODER_TIMEOUT", "5s", false)
	if err != nil {
		return nil, err
	}
	geocoderInterval, err := parseDuration("GEOCODER_MIN_INTERVAL", "1s", true)
	if err != nil {
		return nil, err
	}

	topN, err := parsePositiveInt("TOP_N", 5)
	if err != nil {
		return nil, err
	}
	debugLogSize, err := parsePositiveInt("DEBUG_LOG_SIZE", 100)
	if err != nil {
		return nil, err
	}

	var brokers []string
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		brokers = sharedcfg.ParseBrokers(v)
	}

	geocoderToken := os.Getenv("LOCATIONIQ_TOKEN")
	geocoderEnabled := geocoderToken != ""
	if v := os.Getenv("GEOCODER_ENABLED"); v != "" {
		geocoderEnabled = v == "true"
	}

	cfg := &Config{
		FeedSources:     feeds,
		FeedTimeout:     feedTimeout,
		HTTPAddr:        sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:       sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,

		ReloadInterval: reloadInterval,
		NoticeTTL:      noticeTTL,
		TopN:           topN,
		DebugLogSize:   debugLogSize,

		StoreDriver: strings.ToLower(sharedcfg.EnvOrDefault("STORE_DRIVER", "none")),
		StoreDSN:    os.Getenv("STORE_DSN"),

		KafkaBrokers: brokers,
		KafkaTopic:   sharedcfg.EnvOrDefault("KAFKA_TOPIC", "wildflower-sightings"),

		GeocoderToken:       geocoderToken,
		GeocoderEnabled:     geocoderEnabled,
		GeocoderTimeout:     geocoderTimeout,
		GeocoderCacheSize:   parseCacheSize(),
		GeocoderCountry:     sharedcfg.EnvOrDefault("GEOCODER_COUNTRY", "il"),
		GeocoderLanguage:    sharedcfg.EnvOrDefault("GEOCODER_LANGUAGE", "he,en"),
		GeocoderMinInterval: geocoderInterval,
	}

	switch cfg.StoreDriver {
	case "none":
	case "sqlite", "pgx":
		if cfg.StoreDSN == "" {
			return nil, fmt.Errorf("STORE_DSN is required when STORE_DRIVER is %s", cfg.StoreDriver)
		}
	default:
		return nil, fmt.Errorf("invalid STORE_DRIVER %q", cfg.StoreDriver)
	}
	if cfg.GeocoderEnabled && cfg.GeocoderToken == "" {
		return nil, errors.New("GEOCODER_ENABLED is true but LOCATIONIQ_TOKEN is not set")
	}
	if cfg.KafkaTopic == "" {
		return nil, errors.New("KAFKA_TOPIC is required")
	}

	return cfg, nil
}

// KafkaEnabled reports whether normalized sightings should be published.
func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

// ParseFeedSources parses "name=url,name=url". A bare URL is named "primary"
// when it comes first and "feedN" otherwise.
func ParseFeedSources(raw string) ([]FeedSource, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("FEED_SOURCES is required")
	}

	var feeds []FeedSource
	seen := make(map[string]struct{})
	for i, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, url, found := strings.Cut(part, "=")
		if !found || strings.Contains(name, "://") {
			url = part
			name = "primary"
			if i > 0 {
				name = "feed" + strconv.Itoa(i+1)
			}
		}
		name = strings.TrimSpace(name)
		url = strings.TrimSpace(url)
		if name == "" || url == "" {
			return nil, fmt.Errorf("invalid FEED_SOURCES entry %q", part)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("duplicate feed name %q in FEED_SOURCES", name)
		}
		seen[name] = struct{}{}
		feeds = append(feeds, FeedSource{Name: name, URL: url})
	}
	if len(feeds) == 0 {
		return nil, errors.New("FEED_SOURCES is required")
	}
	return feeds, nil
}

// FeedList is a repeatable command-line flag of "name=url" feeds. A bare
// URL is named like in FEED_SOURCES.
type FeedList []FeedSource

func (l *FeedList) String() string {
	parts := make([]string, len(*l))
	for i, f := range *l {
		parts[i] = f.Name + "=" + f.URL
	}
	return strings.Join(parts, ",")
}

// Set appends one feed.
func (l *FeedList) Set(v string) error {
	v = strings.TrimSpace(v)
	name, url, found := strings.Cut(v, "=")
	if !found || strings.Contains(name, "://") {
		url = v
		name = "primary"
		if len(*l) > 0 {
			name = "feed" + strconv.Itoa(len(*l)+1)
		}
	}
	name, url = strings.TrimSpace(name), strings.TrimSpace(url)
	if name == "" || url == "" {
		return fmt.Errorf("invalid feed %q", v)
	}
	for _, f := range *l {
		if f.Name == name {
			return fmt.Errorf("duplicate feed name %q", name)
		}
	}
	*l = append(*l, FeedSource{Name: name, URL: url})
	return nil
}

func parseDuration(key, fallback string, allowZero bool) (time.Duration, error) {
	d, err := time.ParseDuration(sharedcfg.EnvOrDefault(key, fallback))
	if err != nil || d < 0 || (d == 0 && !allowZero) {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return d, nil
}

func parsePositiveInt(key string, fallback int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return n, nil
}

func parseCacheSize() int {
	if s := os.Getenv("GEOCODER_CACHE_SIZE"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return n
		}
	}
	return 1000
}
