// Package config assembles runtime settings from, in rising priority, built-in
// defaults, an optional TOML file, PASTELITE_* environment variables and
// command-line flags. A .env file in the working directory is loaded into the
// environment first when present.
package config

import (
	"flag"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// Storage backends.
const (
	StoreBolt   = "bolt"
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
	StoreMongo  = "mongo"
	StoreDynamo = "dynamodb"
	StoreMemory = "memory"
)

const (
	envPrefix  = "PASTELITE_"
	dotenvFile = ".env"
)

// Config holds every runtime setting.
type Config struct {
	ConfigPath string `toml:"-"`

	Addr        string `toml:"addr"`
	BaseURL     string `toml:"base_url"`
	BehindProxy bool   `toml:"behind_proxy"`
	TestMode    bool   `toml:"test_mode"`

	Store             string `toml:"store"`
	DataPath          string `toml:"data_path"`
	RedisURL          string `toml:"redis_url"`
	MongoURI          string `toml:"mongo_uri"`
	MongoDatabase     string `toml:"mongo_database"`
	MongoCollection   string `toml:"mongo_collection"`
	DynamoTable       string `toml:"dynamo_table"`
	DynamoRegion      string `toml:"dynamo_region"`
	DynamoEndpoint    string `toml:"dynamo_endpoint"`
	DynamoCreateTable bool   `toml:"dynamo_create_table"`

	MaxBytes        int           `toml:"max_bytes"`
	IDLength        int           `toml:"id_length"`
	StoreTimeout    time.Duration `toml:"store_timeout"`
	RequestTimeout  time.Duration `toml:"request_timeout"`
	JanitorInterval time.Duration `toml:"janitor_interval"`
	ReclaimGrace    time.Duration `toml:"reclaim_grace"`

	LogLevel  string `toml:"log_level"`
	LogPretty bool   `toml:"log_pretty"`
}

// Default returns the settings used when nothing else is configured.
func Default() *Config {
	return &Config{
		Addr:            ":8080",
		Store:           StoreBolt,
		DataPath:        "./pastelite.db",
		MongoDatabase:   "pastelite",
		MongoCollection: "pastes",
		DynamoTable:     "pastelite-pastes",
		DynamoRegion:    "us-east-1",
		MaxBytes:        1_048_576,
		IDLength:        21,
		StoreTimeout:    5 * time.Second,
		RequestTimeout:  15 * time.Second,
		JanitorInterval: time.Minute,
		ReclaimGrace:    time.Hour,
		LogLevel:        "info",
	}
}

// Load reads the .env file if one exists and then resolves the configuration.
func Load(args []string) (*Config, error) {
	if _, err := os.Stat(dotenvFile); err == nil {
		if err := godotenv.Load(dotenvFile); err != nil {
			return nil, errors.Wrap(err, "load .env")
		}
	}
	return LoadFrom(args, os.Getenv)
}

// LoadFrom resolves the configuration from args and the given environment lookup.
func LoadFrom(args []string, getenv func(string) string) (*Config, error) {
	cfg := Default()

	// First pass only discovers -config; the real parse happens last so flags win.
	scratch := Default()
	pre := newFlagSet(scratch)
	pre.SetOutput(io.Discard)
	_ = pre.Parse(args)

	path := scratch.ConfigPath
	if path == "" {
		path = getenv(envPrefix + "CONFIG")
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, errors.Wrapf(err, "decode config file %s", path)
		}
		cfg.ConfigPath = path
	}

	if err := applyEnv(cfg, getenv); err != nil {
		return nil, err
	}

	fs := newFlagSet(cfg)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newFlagSet(cfg *Config) *flag.FlagSet {
	fs := flag.NewFlagSet("pastelite", flag.ContinueOnError)
	fs.StringVar(&cfg.ConfigPath, "config", cfg.ConfigPath, "path to a TOML configuration file")
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	fs.StringVar(&cfg.BaseURL, "base-url", cfg.BaseURL, "canonical base URL used in paste links (optional)")
	fs.BoolVar(&cfg.BehindProxy, "behind-proxy", cfg.BehindProxy, "trust X-Forwarded-* headers")
	fs.BoolVar(&cfg.TestMode, "test-mode", cfg.TestMode, "honor the X-Test-Now-Ms clock header")
	fs.StringVar(&cfg.Store, "store", cfg.Store, "storage backend: bolt, sqlite, redis, mongo, dynamodb or memory")
	fs.StringVar(&cfg.DataPath, "data", cfg.DataPath, "path to the bolt or sqlite data file")
	fs.StringVar(&cfg.RedisURL, "redis-url", cfg.RedisURL, "redis:// connection URL")
	fs.StringVar(&cfg.MongoURI, "mongo-uri", cfg.MongoURI, "MongoDB connection URI")
	fs.StringVar(&cfg.MongoDatabase, "mongo-database", cfg.MongoDatabase, "MongoDB database name")
	fs.StringVar(&cfg.MongoCollection, "mongo-collection", cfg.MongoCollection, "MongoDB collection name")
	fs.StringVar(&cfg.DynamoTable, "dynamo-table", cfg.DynamoTable, "DynamoDB table name")
	fs.StringVar(&cfg.DynamoRegion, "dynamo-region", cfg.DynamoRegion, "DynamoDB region")
	fs.StringVar(&cfg.DynamoEndpoint, "dynamo-endpoint", cfg.DynamoEndpoint, "DynamoDB endpoint override, e.g. DynamoDB Local")
	fs.BoolVar(&cfg.DynamoCreateTable, "dynamo-create-table", cfg.DynamoCreateTable, "create the DynamoDB table if missing")
	fs.IntVar(&cfg.MaxBytes, "max-bytes", cfg.MaxBytes, "maximum paste size in bytes")
	fs.IntVar(&cfg.IDLength, "id-length", cfg.IDLength, "length of generated paste ids")
	fs.DurationVar(&cfg.StoreTimeout, "store-timeout", cfg.StoreTimeout, "timeout for a single storage call")
	fs.DurationVar(&cfg.RequestTimeout, "request-timeout", cfg.RequestTimeout, "timeout for a whole HTTP request")
	fs.DurationVar(&cfg.JanitorInterval, "janitor-interval", cfg.JanitorInterval, "how often expired pastes are reclaimed")
	fs.DurationVar(&cfg.ReclaimGrace, "reclaim-grace", cfg.ReclaimGrace, "how long past expiry a paste is kept before reclamation")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	fs.BoolVar(&cfg.LogPretty, "log-pretty", cfg.LogPretty, "human readable console logs")
	return fs
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	strs := map[string]*string{
		"ADDR":             &cfg.Addr,
		"BASE_URL":         &cfg.BaseURL,
		"STORE":            &cfg.Store,
		"DATA":             &cfg.DataPath,
		"REDIS_URL":        &cfg.RedisURL,
		"MONGO_URI":        &cfg.MongoURI,
		"MONGO_DATABASE":   &cfg.MongoDatabase,
		"MONGO_COLLECTION": &cfg.MongoCollection,
		"DYNAMO_TABLE":     &cfg.DynamoTable,
		"DYNAMO_REGION":    &cfg.DynamoRegion,
		"DYNAMO_ENDPOINT":  &cfg.DynamoEndpoint,
		"LOG_LEVEL":        &cfg.LogLevel,
	}
	for name, dst := range strs {
		if v := getenv(envPrefix + name); v != "" {
			*dst = v
		}
	}

	bools := map[string]*bool{
		"BEHIND_PROXY":        &cfg.BehindProxy,
		"TEST_MODE":           &cfg.TestMode,
		"DYNAMO_CREATE_TABLE": &cfg.DynamoCreateTable,
		"LOG_PRETTY":          &cfg.LogPretty,
	}
	for name, dst := range bools {
		if v := getenv(envPrefix + name); v != "" {
			*dst = truthy(v)
		}
	}
	// TEST_MODE is also accepted without the prefix.
	if v := getenv("TEST_MODE"); v != "" {
		cfg.TestMode = truthy(v)
	}

	ints := map[string]*int{
		"MAX_BYTES": &cfg.MaxBytes,
		"ID_LENGTH": &cfg.IDLength,
	}
	for name, dst := range ints {
		if v := getenv(envPrefix + name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return errors.Wrapf(err, "%s%s", envPrefix, name)
			}
			*dst = n
		}
	}

	durations := map[string]*time.Duration{
		"STORE_TIMEOUT":    &cfg.StoreTimeout,
		"REQUEST_TIMEOUT":  &cfg.RequestTimeout,
		"JANITOR_INTERVAL": &cfg.JanitorInterval,
		"RECLAIM_GRACE":    &cfg.ReclaimGrace,
	}
	for name, dst := range durations {
		if v := getenv(envPrefix + name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return errors.Wrapf(err, "%s%s", envPrefix, name)
			}
			*dst = d
		}
	}
	return nil
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	switch c.Store {
	case StoreBolt, StoreSQLite:
		if c.DataPath == "" {
			return errors.Errorf("store %s requires a data path", c.Store)
		}
	case StoreRedis:
		if c.RedisURL == "" {
			return errors.New("store redis requires a redis url")
		}
	case StoreMongo:
		if c.MongoURI == "" || c.MongoDatabase == "" {
			return errors.New("store mongo requires a mongo uri and database")
		}
	case StoreDynamo:
		if c.DynamoTable == "" {
			return errors.New("store dynamodb requires a table name")
		}
	case StoreMemory:
	default:
		return errors.Errorf("unsupported store %q (supported: bolt, sqlite, redis, mongo, dynamodb, memory)", c.Store)
	}
	if c.MaxBytes <= 0 {
		return errors.New("max-bytes must be positive")
	}
	if c.IDLength < 8 || c.IDLength > 64 {
		return errors.New("id-length must be between 8 and 64")
	}
	if c.StoreTimeout <= 0 || c.RequestTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}
	if c.ReclaimGrace < 0 {
		return errors.New("reclaim-grace must not be negative")
	}
	if c.BaseURL != "" {
		u, err := url.Parse(c.BaseURL)
		if err != nil {
			return errors.Wrap(err, "invalid base url")
		}
		if u.Scheme == "" || u.Host == "" {
			return errors.New("base url must include scheme and host")
		}
	}
	return nil
}
