package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	DatabaseURL    string
	RPCURLs        map[uint64]string
	CeleniumAPIKey string
	NOAAToken      string
	SolanaRPC      string
	SolanaWS       string

	Registry   string
	DeadLetter string
	StateFile  string

	BatchSize     uint64
	MaxRetries    int
	RetryBackoff  time.Duration
	HTTPRateLimit float64

	MetricsAddr      string
	AlertWebhook     string
	AlertMinSeverity string

	LogLevel string
	LogFile  string
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("INDEXER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("registry", "./registry.yaml")
	v.SetDefault("dead-letter", "./data/decode_errors.jsonl")
	v.SetDefault("batch-size", uint64(2000))
	v.SetDefault("max-retries", 5)
	v.SetDefault("retry-backoff", 500*time.Millisecond)
	v.SetDefault("http-rate-limit", 5.0)
	v.SetDefault("metrics-addr", ":9090")
	v.SetDefault("alert-min-severity", "error")
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

	rpcURLs, err := parseChainMap(getStringMap(v, "rpc-urls"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		DatabaseURL:      withEnvFallback(v.GetString("pg-dsn"), "DATABASE_URL"),
		RPCURLs:          rpcURLs,
		CeleniumAPIKey:   withEnvFallback(v.GetString("celenium-api-key"), "CELENIUM_API_KEY"),
		NOAAToken:        withEnvFallback(v.GetString("noaa-token"), "NOAA_TOKEN"),
		SolanaRPC:        v.GetString("solana-rpc"),
		SolanaWS:         v.GetString("solana-ws"),
		Registry:         v.GetString("registry"),
		DeadLetter:       v.GetString("dead-letter"),
		StateFile:        v.GetString("state-file"),
		BatchSize:        v.GetUint64("batch-size"),
		MaxRetries:       v.GetInt("max-retries"),
		RetryBackoff:     v.GetDuration("retry-backoff"),
		HTTPRateLimit:    v.GetFloat64("http-rate-limit"),
		MetricsAddr:      v.GetString("metrics-addr"),
		AlertWebhook:     v.GetString("alert-webhook"),
		AlertMinSeverity: v.GetString("alert-min-severity"),
		LogLevel:         v.GetString("log-level"),
		LogFile:          v.GetString("log-file"),
	}

	return cfg, nil
}

// RequireDatabase returns an error when no DSN is configured.
func (c Config) RequireDatabase() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("database dsn is required (--pg-dsn, INDEXER_PG_DSN or DATABASE_URL)")
	}
	return nil
}

// ChainIDs returns the configured chain ids in ascending order.
func (c Config) ChainIDs() []uint64 {
	ids := make([]uint64, 0, len(c.RPCURLs))
	for id := range c.RPCURLs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func withEnvFallback(value, env string) string {
	if value != "" {
		return value
	}
	return os.Getenv(env)
}

func parseChainMap(raw map[string]string) (map[uint64]string, error) {
	out := make(map[uint64]string, len(raw))
	for key, url := range raw {
		id, err := strconv.ParseUint(strings.TrimSpace(key), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid chain id in rpc-urls: %q", key)
		}
		out[id] = url
	}
	return out, nil
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
	case []string:
		return parseStringMap(strings.Join(typed, ","))
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

// ParseTimestamp parses a timestamp value (unix seconds or RFC3339). The
// empty string is zero.
func ParseTimestamp(input string) (int64, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return 0, nil
	}

	if isNumeric(input) {
		return strconv.ParseInt(input, 10, 64)
	}

	tm, err := time.Parse(time.RFC3339, input)
	if err != nil {
		return 0, err
	}
	return tm.Unix(), nil
}

func isNumeric(input string) bool {
	for _, r := range input {
		if r < '0' || r > '9' {
			return false
		}
	}
	return input != ""
}
