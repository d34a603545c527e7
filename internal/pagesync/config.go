package pagesync

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	Storage struct {
		Dir    string `yaml:"dir"`
		Engine string `yaml:"engine"`
		Redis  struct {
			Addr string `yaml:"addr"`
			DB   int    `yaml:"db"`
			Key  string `yaml:"key"`
		} `yaml:"redis"`
	} `yaml:"storage"`

	Origin struct {
		Kind    string `yaml:"kind"`
		MaxBody string `yaml:"maxBody"`
		GitHub  struct {
			Owner       string `yaml:"owner"`
			Repo        string `yaml:"repo"`
			Branch      string `yaml:"branch"`
			DebugBranch string `yaml:"debugBranch"`
			RawBaseURL  string `yaml:"rawBaseURL"`
			APIBaseURL  string `yaml:"apiBaseURL"`
			UserAgent   string `yaml:"userAgent"`
		} `yaml:"github"`
		S3 struct {
			Endpoint string `yaml:"endpoint"`
			Region   string `yaml:"region"`
			Bucket   string `yaml:"bucket"`
			Prefix   string `yaml:"prefix"`
		} `yaml:"s3"`
	} `yaml:"origin"`

	Cache struct {
		Prefix   string `yaml:"prefix"`
		PageTTL  string `yaml:"pageTTL"`
		AssetTTL string `yaml:"assetTTL"`
		MaxAge   string `yaml:"maxAge"`
	} `yaml:"cache"`

	Dispatch struct {
		Spacing string `yaml:"spacing"`
	} `yaml:"dispatch"`

	Retry struct {
		MaxRetries *int   `yaml:"maxRetries"`
		BaseDelay  string `yaml:"baseDelay"`
		MaxDelay   string `yaml:"maxDelay"`
		MaxJitter  string `yaml:"maxJitter"`
	} `yaml:"retry"`

	Sync struct {
		Every   string       `yaml:"every"`
		Catalog []CatalogDir `yaml:"catalog"`
	} `yaml:"sync"`

	Preload struct {
		Delay string   `yaml:"delay"`
		Pages []string `yaml:"pages"`
		Files []string `yaml:"files"`
	} `yaml:"preload"`

	Security struct {
		AllowedHosts  []string `yaml:"allowedHosts"`
		AllowInsecure bool     `yaml:"allowInsecure"`
	} `yaml:"security"`

	Updates struct {
		CheckDelay string `yaml:"checkDelay"`
	} `yaml:"updates"`

	Logging struct {
		Debug         bool   `yaml:"debug"`
		LogStatsEvery string `yaml:"logStatsEvery"`
	} `yaml:"logging"`

	Env EnvConfig `yaml:"-"`

	// compiled
	maxBody       int64
	pageTTL       time.Duration
	assetTTL      time.Duration
	maxAge        time.Duration
	spacing       time.Duration
	retry         RetryPolicy
	syncEvery     time.Duration
	preloadDelay  time.Duration
	updateDelay   time.Duration
	logStatsEvery time.Duration
}

// EnvConfig holds secrets and switches that only come from the environment.
type EnvConfig struct {
	EncryptionKey string `env:"PAGESYNC_ENCRYPTION_KEY"`
	GitHubToken   string `env:"GITHUB_TOKEN"`
	Debug         bool   `env:"PAGESYNC_DEBUG"`
	S3AccessKey   string `env:"PAGESYNC_S3_ACCESS_KEY"`
	S3SecretKey   string `env:"PAGESYNC_S3_SECRET_KEY"`
	RedisPassword string `env:"PAGESYNC_REDIS_PASSWORD"`
	OTLPEndpoint  string `env:"PAGESYNC_OTEL_ENDPOINT"`
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

// ParseConfig decodes YAML, overlays the environment, applies defaults and
// compiles durations and sizes.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := env.Parse(&cfg.Env); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.Env.Debug {
		cfg.Logging.Debug = true
	}
	if err := cfg.applyDefaults(); err != nil {
		return Config{}, err
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() error {
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8787"
	}
	if c.Storage.Dir == "" {
		c.Storage.Dir = "./data"
	}
	if c.Origin.Kind == "" {
		c.Origin.Kind = "github"
	}
	if c.Origin.MaxBody == "" {
		c.Origin.MaxBody = "5mb"
	}

	switch strings.ToLower(c.Origin.Kind) {
	case "github":
		gh := &c.Origin.GitHub
		if gh.Owner == "" || gh.Repo == "" {
			return fmt.Errorf("origin.github.owner and origin.github.repo are required")
		}
		if gh.Branch == "" {
			gh.Branch = "main"
		}
		if gh.DebugBranch == "" {
			gh.DebugBranch = "testing"
		}
		if c.Logging.Debug {
			gh.Branch = gh.DebugBranch
		}
	case "s3":
		if c.Origin.S3.Bucket == "" {
			return fmt.Errorf("origin.s3.bucket is required")
		}
		if c.Origin.S3.Region == "" {
			c.Origin.S3.Region = "us-east-1"
		}
	default:
		return fmt.Errorf("origin.kind: unknown %q", c.Origin.Kind)
	}

	if c.Cache.Prefix == "" {
		c.Cache.Prefix = DefaultKeyPrefix
	}
	setDefault(&c.Cache.PageTTL, "1h")
	setDefault(&c.Cache.AssetTTL, "12h")
	setDefault(&c.Cache.MaxAge, "168h")
	setDefault(&c.Dispatch.Spacing, "750ms")
	if c.Retry.MaxRetries == nil {
		n := 3
		c.Retry.MaxRetries = &n
	}
	setDefault(&c.Retry.BaseDelay, "1s")
	setDefault(&c.Retry.MaxDelay, "10s")
	setDefault(&c.Retry.MaxJitter, "1s")
	setDefault(&c.Sync.Every, "30m")
	if len(c.Sync.Catalog) == 0 {
		c.Sync.Catalog = defaultCatalog()
	}
	setDefault(&c.Preload.Delay, "5s")
	if c.Preload.Pages == nil {
		c.Preload.Pages = []string{"dashboard", "rules", "withdraw"}
	}
	if c.Preload.Files == nil {
		c.Preload.Files = []string{"index.html", "styles.css"}
	}
	setDefault(&c.Updates.CheckDelay, "10s")
	return nil
}

func setDefault(field *string, def string) {
	if strings.TrimSpace(*field) == "" {
		*field = def
	}
}

func (c *Config) compile() error {
	var err error
	if c.maxBody, err = parseBytes(c.Origin.MaxBody); err != nil {
		return fmt.Errorf("origin.maxBody: %w", err)
	}

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"cache.pageTTL", c.Cache.PageTTL, &c.pageTTL},
		{"cache.assetTTL", c.Cache.AssetTTL, &c.assetTTL},
		{"cache.maxAge", c.Cache.MaxAge, &c.maxAge},
		{"dispatch.spacing", c.Dispatch.Spacing, &c.spacing},
		{"retry.baseDelay", c.Retry.BaseDelay, &c.retry.BaseDelay},
		{"retry.maxDelay", c.Retry.MaxDelay, &c.retry.MaxDelay},
		{"retry.maxJitter", c.Retry.MaxJitter, &c.retry.MaxJitter},
		{"sync.every", c.Sync.Every, &c.syncEvery},
		{"preload.delay", c.Preload.Delay, &c.preloadDelay},
		{"updates.checkDelay", c.Updates.CheckDelay, &c.updateDelay},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		if v < 0 {
			return fmt.Errorf("%s: negative duration", d.name)
		}
		*d.dst = v
	}
	if c.Logging.LogStatsEvery != "" {
		v, err := time.ParseDuration(c.Logging.LogStatsEvery)
		if err != nil {
			return fmt.Errorf("logging.logStatsEvery: %w", err)
		}
		c.logStatsEvery = v
	}

	c.retry.MaxRetries = *c.Retry.MaxRetries
	if c.retry.MaxRetries < 0 {
		return fmt.Errorf("retry.maxRetries: must not be negative")
	}
	if c.retry.MaxDelay < c.retry.BaseDelay {
		return fmt.Errorf("retry.maxDelay: must be at least retry.baseDelay")
	}
	// Jitter above the base delay could make a later retry wait less than an
	// earlier one.
	if c.retry.MaxJitter > c.retry.BaseDelay {
		return fmt.Errorf("retry.maxJitter: must not exceed retry.baseDelay")
	}

	for i, cd := range c.Sync.Catalog {
		if strings.TrimSpace(cd.Dir) == "" || !strings.HasPrefix(cd.Ext, ".") {
			return fmt.Errorf("sync.catalog[%d]: dir and .ext are required", i)
		}
	}
	return nil
}
