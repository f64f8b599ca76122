package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}

	root := &cobra.Command{
		Use:          "indexer",
		Short:        "Resource price and market indexer",
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "config file path")
	flags.String("pg-dsn", "", "Postgres DSN (falls back to DATABASE_URL)")
	flags.StringSlice("rpc-urls", nil, "chain RPC endpoints as chainId=url (comma-separated)")
	flags.String("registry", "./registry.yaml", "resource and market registry file")
	flags.String("dead-letter", "./data/decode_errors.jsonl", "JSONL file for logs that fail to decode")
	flags.Uint64("batch-size", 2000, "blocks per log query")
	flags.Int("max-retries", 5, "maximum retry attempts per remote call")
	flags.Duration("retry-backoff", 500*time.Millisecond, "initial retry backoff")
	flags.Float64("http-rate-limit", 5, "requests per second per data API")
	flags.String("solana-rpc", "", "Solana JSON-RPC endpoint")
	flags.String("solana-ws", "", "Solana websocket endpoint")
	flags.String("celenium-api-key", "", "Celenium API key (falls back to CELENIUM_API_KEY)")
	flags.String("noaa-token", "", "NOAA CDO token (falls back to NOAA_TOKEN)")
	flags.String("alert-webhook", "", "webhook URL for alerts")
	flags.String("alert-min-severity", "error", "lowest severity posted to the webhook (info, warn, error, fatal)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-file", "", "also write logs to this rotating file")

	root.AddCommand(newWatchCmd(), newReindexCmd(), newDecodeCmd(), newMigrateCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(level, file string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil || file == "" {
		return logger, err
	}

	rotating := zapcore.AddSync(&lumberjack.Logger{
		Filename:   file,
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     14,
		Compress:   true,
	})
	fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(cfg.EncoderConfig), rotating, cfg.Level)
	return logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, fileCore)
	})), nil
}
