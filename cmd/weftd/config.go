package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/weftlab/weft/runtime/workflow/provider"
)

type (
	// config is the resolved server configuration, merged from defaults, an
	// optional config file, WEFTD_* environment variables and flags.
	config struct {
		Listen          string
		Debug           bool
		Mode            provider.Mode
		DefaultWorkflow string
		Store           storeConfig
		Provider        providerConfig
		Stream          streamConfig
	}

	storeConfig struct {
		// Backend selects where session logs live: memory, sqlite or mongo.
		Backend string
		// SQLitePath is the database file of the sqlite backend.
		SQLitePath string
		// MongoURI and MongoDatabase configure the mongo backend. Snapshots
		// and recordings stay in process with this backend; only the event
		// log is shared.
		MongoURI      string
		MongoDatabase string
	}

	providerConfig struct {
		// Name selects the agent provider: scripted, anthropic, openai or
		// bedrock.
		Name string
		// Model is the provider model identifier. Required for the SDK
		// providers.
		Model string
		// APIKey overrides the vendor's conventional environment variable.
		APIKey string
		// RateLimitTPM caps provider usage with the adaptive limiter; zero
		// disables it.
		RateLimitTPM float64
	}

	streamConfig struct {
		// RedisAddr, when set, mirrors every session event onto Redis-backed
		// Pulse streams for cross-process observers.
		RedisAddr string
	}
)

const (
	backendMemory = "memory"
	backendSQLite = "sqlite"
	backendMongo  = "mongo"
)

func loadConfig(file string, flags *pflag.FlagSet) (*config, error) {
	v := viper.New()
	v.SetDefault("listen", ":8080")
	v.SetDefault("mode", string(provider.ModeLive))
	v.SetDefault("default_workflow", "math")
	v.SetDefault("store.backend", backendMemory)
	v.SetDefault("store.sqlite_path", "weft.db")
	v.SetDefault("store.mongo_uri", "mongodb://localhost:27017")
	v.SetDefault("store.mongo_database", "weft")
	v.SetDefault("provider.name", "scripted")
	v.SetDefault("provider.rate_limit_tpm", 0)

	v.SetEnvPrefix("WEFTD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, name := range map[string]string{
		"listen":        "listen",
		"mode":          "mode",
		"debug":         "debug",
		"store.backend": "backend",
		"provider.name": "provider",
	} {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			return nil, fmt.Errorf("bind --%s: %w", name, err)
		}
	}

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("weftd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.weftd")
		v.AddConfigPath("/etc/weftd")
		var notFound viper.ConfigFileNotFoundError
		if err := v.ReadInConfig(); err != nil && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	mode, err := provider.ParseMode(v.GetString("mode"))
	if err != nil {
		return nil, err
	}
	cfg := &config{
		Listen:          v.GetString("listen"),
		Debug:           v.GetBool("debug"),
		Mode:            mode,
		DefaultWorkflow: v.GetString("default_workflow"),
		Store: storeConfig{
			Backend:       v.GetString("store.backend"),
			SQLitePath:    v.GetString("store.sqlite_path"),
			MongoURI:      v.GetString("store.mongo_uri"),
			MongoDatabase: v.GetString("store.mongo_database"),
		},
		Provider: providerConfig{
			Name:         v.GetString("provider.name"),
			Model:        v.GetString("provider.model"),
			APIKey:       v.GetString("provider.api_key"),
			RateLimitTPM: v.GetFloat64("provider.rate_limit_tpm"),
		},
		Stream: streamConfig{
			RedisAddr: v.GetString("stream.redis_addr"),
		},
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *config) validate() error {
	switch c.Store.Backend {
	case backendMemory, backendSQLite, backendMongo:
	default:
		return fmt.Errorf("unknown store backend %q (want %s, %s or %s)",
			c.Store.Backend, backendMemory, backendSQLite, backendMongo)
	}
	if c.Store.Backend == backendSQLite && c.Store.SQLitePath == "" {
		return errors.New("store.sqlite_path is required with the sqlite backend")
	}
	if c.Store.Backend == backendMongo && c.Store.MongoURI == "" {
		return errors.New("store.mongo_uri is required with the mongo backend")
	}

	switch c.Provider.Name {
	case providerScripted:
	case providerAnthropic, providerOpenAI, providerBedrock:
		if c.Provider.Model == "" {
			return fmt.Errorf("provider %s requires provider.model", c.Provider.Name)
		}
	default:
		return fmt.Errorf("unknown provider %q (want %s, %s, %s or %s)",
			c.Provider.Name, providerScripted, providerAnthropic, providerOpenAI, providerBedrock)
	}
	return nil
}

// apiKey resolves the provider credential: explicit configuration first,
// then the vendor's conventional environment variable.
func (c providerConfig) apiKey() string {
	if c.APIKey != "" {
		return c.APIKey
	}
	switch c.Name {
	case providerAnthropic:
		return os.Getenv("ANTHROPIC_API_KEY")
	case providerOpenAI:
		return os.Getenv("OPENAI_API_KEY")
	}
	return ""
}
