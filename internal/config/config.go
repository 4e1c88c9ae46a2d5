package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	Name           string
	RPCURL         string
	Registry       string
	Interval       time.Duration
	LookbackBlocks uint64
	BatchSize      uint64
	WatchLogs      bool
	WatchCalldata  bool
	DedupCapacity  int
	DedupScope     string
	Cursor         string
	CursorEnabled  bool
	PGDSN          string
	NATSURL        string
	SubjectPrefix  string
	Channels       map[string]string
	DefaultChannel string
	ErrorChannel   string
	Out            string
	MaxRetries     int
	RetryBackoff   time.Duration
	LogLevel       string
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CHAINWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("name", "watcher")
	v.SetDefault("interval", 15*time.Second)
	v.SetDefault("lookback-blocks", uint64(100))
	v.SetDefault("batch-size", uint64(2000))
	v.SetDefault("watch-logs", true)
	v.SetDefault("watch-calldata", false)
	v.SetDefault("dedup-capacity", 256)
	v.SetDefault("dedup-scope", "tx")
	v.SetDefault("cursor", "./data/cursor.json")
	v.SetDefault("cursor-enabled", true)
	v.SetDefault("subject-prefix", "chainwatch")
	v.SetDefault("default-channel", "default")
	v.SetDefault("out", "./data/notifications.jsonl")
	v.SetDefault("max-retries", 5)
	v.SetDefault("retry-backoff", 500*time.Millisecond)
	v.SetDefault("log-level", "info")

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := Config{
		Name:           v.GetString("name"),
		RPCURL:         v.GetString("rpc"),
		Registry:       v.GetString("registry"),
		Interval:       v.GetDuration("interval"),
		LookbackBlocks: v.GetUint64("lookback-blocks"),
		BatchSize:      v.GetUint64("batch-size"),
		WatchLogs:      v.GetBool("watch-logs"),
		WatchCalldata:  v.GetBool("watch-calldata"),
		DedupCapacity:  v.GetInt("dedup-capacity"),
		DedupScope:     v.GetString("dedup-scope"),
		Cursor:         v.GetString("cursor"),
		CursorEnabled:  v.GetBool("cursor-enabled"),
		PGDSN:          v.GetString("pg-dsn"),
		NATSURL:        v.GetString("nats-url"),
		SubjectPrefix:  v.GetString("subject-prefix"),
		Channels:       getStringMap(v, "channels"),
		DefaultChannel: v.GetString("default-channel"),
		ErrorChannel:   v.GetString("error-channel"),
		Out:            v.GetString("out"),
		MaxRetries:     v.GetInt("max-retries"),
		RetryBackoff:   v.GetDuration("retry-backoff"),
		LogLevel:       v.GetString("log-level"),
	}

	return cfg, nil
}

func getStringMap(v *viper.Viper, key string) map[string]string {
	if !v.IsSet(key) {
		return map[string]string{}
	}

	val := v.Get(key)
	switch typed := val.(type) {
	case map[string]string:
		return typed
	case map[string]interface{}:
		out := make(map[string]string, len(typed))
		for k, v := range typed {
			out[k] = fmt.Sprintf("%v", v)
		}
		return out
	case string:
		return parseStringMap(typed)
	default:
		return map[string]string{}
	}
}

func parseStringMap(input string) map[string]string {
	out := make(map[string]string)
	if strings.TrimSpace(input) == "" {
		return out
	}
	pairs := strings.Split(input, ",")
	for _, pair := range pairs {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" || value == "" {
			continue
		}
		out[key] = value
	}
	return out
}
