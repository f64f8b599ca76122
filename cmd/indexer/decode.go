package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"marketScope/internal/chain"
	"marketScope/internal/indexer"
	"marketScope/internal/market"
	"marketScope/internal/model"
	"marketScope/internal/storage"
)

func newDecodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decode",
		Short: "Decode market logs to JSONL without touching the database",
		RunE:  runDecode,
	}
	cmd.Flags().String("in", "", "raw log records JSONL; when set no RPC is used")
	cmd.Flags().Uint64("chain-id", 0, "chain id")
	cmd.Flags().StringSlice("address", nil, "contract addresses (comma-separated)")
	cmd.Flags().Uint64("from-block", 0, "start block (inclusive), 0 resumes from the state file")
	cmd.Flags().Uint64("to-block", 0, "end block (inclusive), 0 means latest")
	cmd.Flags().Bool("factory", false, "decode factory deployments instead of market group events")
	cmd.Flags().String("out", "./data/typed_events.jsonl", "output typed events JSONL")
	cmd.Flags().String("state-file", "", "optional JSON file tracking the last decoded block")
	cmd.Flags().Bool("truncate", false, "truncate the output file first")
	return cmd
}

func runDecode(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	in, _ := cmd.Flags().GetString("in")
	outPath, _ := cmd.Flags().GetString("out")
	factory, _ := cmd.Flags().GetBool("factory")
	truncate, _ := cmd.Flags().GetBool("truncate")

	decoder, err := market.NewDecoder()
	if factory {
		decoder, err = market.NewFactoryDecoder()
	}
	if err != nil {
		return err
	}

	out := storage.NewJsonlStorage(outPath)
	if truncate {
		if err := out.Truncate(); err != nil {
			return err
		}
	}
	run := &decodeRun{
		decoder:    decoder,
		events:     out,
		deadLetter: storage.NewJsonlStorage(cfg.DeadLetter),
		logger:     logger,
	}

	if in != "" {
		file, err := os.Open(in)
		if err != nil {
			return fmt.Errorf("open input: %w", err)
		}
		defer file.Close()
		logger.Info("decode start", zap.String("in", in), zap.String("out", out.Path()))
		if err := run.readRecords(file); err != nil {
			return err
		}
		run.logStats()
		return nil
	}

	chainID, _ := cmd.Flags().GetUint64("chain-id")
	rawAddresses, _ := cmd.Flags().GetStringSlice("address")
	from, _ := cmd.Flags().GetUint64("from-block")
	to, _ := cmd.Flags().GetUint64("to-block")
	stateFile, _ := cmd.Flags().GetString("state-file")

	addresses, err := indexer.ParseAddresses(rawAddresses)
	if err != nil {
		return err
	}
	if len(addresses) == 0 {
		return fmt.Errorf("address list is required")
	}
	url, ok := cfg.RPCURLs[chainID]
	if !ok {
		return fmt.Errorf("no rpc url configured for chain %d", chainID)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := chain.NewClient(ctx, chainID, url)
	if err != nil {
		return fmt.Errorf("connect rpc: %w", err)
	}
	defer client.Close()

	scan := decodeScan{
		chainID:      chainID,
		addresses:    addresses,
		from:         from,
		to:           to,
		batchSize:    cfg.BatchSize,
		maxRetries:   cfg.MaxRetries,
		retryBackoff: cfg.RetryBackoff,
		checkpoint:   fmt.Sprintf("decode:%d:%s", chainID, joinHex(addresses)),
	}
	if stateFile != "" {
		scan.state = indexer.NewFileStateStore(stateFile)
	}

	logger.Info("decode start",
		zap.Uint64("chain_id", chainID),
		zap.Int("addresses", len(addresses)),
		zap.Uint64("from", from),
		zap.Uint64("to", to),
		zap.String("out", out.Path()),
		zap.String("state_file", stateFile),
	)
	if err := run.scanChain(ctx, client, scan); err != nil {
		return err
	}
	run.logStats()
	return nil
}

type decodeStats struct {
	total, decoded, skipped, failed int
}

// decodeRun decodes log records into typed events. Records that fail go to
// the dead letter file.
type decodeRun struct {
	decoder    *market.Decoder
	events     storage.EventSink
	deadLetter storage.DeadLetter
	logger     *zap.Logger
	stats      decodeStats

	pending  []model.Event
	rejected []model.DecodeError
}

func (d *decodeRun) record(record model.LogRecord) {
	d.stats.total++
	if record.Removed {
		d.stats.skipped++
		return
	}
	if len(record.Topics) == 0 {
		d.reject(record, fmt.Errorf("missing topic0"))
		return
	}
	args, err := d.decoder.Decode(record)
	if errors.Is(err, market.ErrUnknownEvent) {
		d.stats.skipped++
		return
	}
	if err != nil {
		d.reject(record, err)
		return
	}
	d.pending = append(d.pending, model.Event{
		Name:            args.EventName(),
		BlockNumber:     record.BlockNumber,
		Timestamp:       record.Timestamp,
		LogIndex:        record.LogIndex,
		TransactionHash: record.TxHash,
		Args:            args,
	})
	d.stats.decoded++
}

func (d *decodeRun) reject(record model.LogRecord, err error) {
	d.stats.failed++
	d.rejected = append(d.rejected, market.DecodeErrorFromLog(record, market.StageDecode, err))
}

func (d *decodeRun) flush() error {
	if len(d.pending) > 0 {
		if err := d.events.PutEvents(d.pending); err != nil {
			return fmt.Errorf("write events: %w", err)
		}
		d.pending = d.pending[:0]
	}
	if len(d.rejected) > 0 {
		if err := d.deadLetter.PutDecodeErrors(d.rejected); err != nil {
			return fmt.Errorf("write decode errors: %w", err)
		}
		d.rejected = d.rejected[:0]
	}
	return nil
}

const recordFlushSize = 1000

// readRecords decodes one JSON log record per line.
func (d *decodeRun) readRecords(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var record model.LogRecord
		if err := json.Unmarshal(line, &record); err != nil {
			d.stats.total++
			d.stats.failed++
			d.rejected = append(d.rejected, model.DecodeError{
				Stage:      market.StageDecode,
				Error:      err.Error(),
				RecordedAt: time.Now().UTC().Format(time.RFC3339),
			})
			continue
		}
		d.record(record)
		if len(d.pending)+len(d.rejected) >= recordFlushSize {
			if err := d.flush(); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan input: %w", err)
	}
	return d.flush()
}

// logSource is the part of the chain client a dry run reads from.
type logSource interface {
	LatestBlockNumber(ctx context.Context) (uint64, error)
	BlockTimestamp(ctx context.Context, number uint64) (uint64, error)
	FilterLogs(ctx context.Context, fromBlock, toBlock uint64, addresses []common.Address, topic0 []common.Hash) ([]types.Log, error)
}

type decodeScan struct {
	chainID      uint64
	addresses    []common.Address
	from, to     uint64
	batchSize    uint64
	maxRetries   int
	retryBackoff time.Duration
	state        indexer.StateStore
	checkpoint   string
}

// scanChain decodes the logs of scan's addresses batch by batch. With a
// state store the last decoded block is saved after each batch and a zero
// from block resumes after it.
func (d *decodeRun) scanChain(ctx context.Context, src logSource, scan decodeScan) error {
	from := scan.from
	if from == 0 && scan.state != nil {
		last, ok, err := scan.state.LoadState(ctx, scan.checkpoint)
		if err != nil {
			return fmt.Errorf("load state: %w", err)
		}
		if ok {
			from = last + 1
		}
	}
	to := scan.to
	if to == 0 {
		latest, err := src.LatestBlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("get latest block: %w", err)
		}
		to = latest
	}
	if from > to {
		d.logger.Info("nothing to decode", zap.Uint64("from", from), zap.Uint64("to", to))
		return nil
	}

	ranges, err := indexer.SplitRange(from, to, scan.batchSize)
	if err != nil {
		return err
	}
	topics := d.decoder.Topics()
	for _, r := range ranges {
		var logs []types.Log
		err := indexer.WithRetry(ctx, scan.maxRetries, scan.retryBackoff, func(ctx context.Context) error {
			var err error
			logs, err = src.FilterLogs(ctx, r.From, r.To, scan.addresses, topics)
			return err
		})
		if err != nil {
			return fmt.Errorf("filter logs %d-%d: %w", r.From, r.To, err)
		}

		for _, l := range logs {
			ts, err := src.BlockTimestamp(ctx, l.BlockNumber)
			if err != nil {
				return fmt.Errorf("block %d timestamp: %w", l.BlockNumber, err)
			}
			d.record(chain.ToLogRecord(scan.chainID, l, ts))
		}
		if err := d.flush(); err != nil {
			return err
		}
		if scan.state != nil {
			if err := scan.state.SaveState(ctx, scan.checkpoint, r.To); err != nil {
				return fmt.Errorf("save state: %w", err)
			}
		}
		d.logger.Info("batch decoded", zap.Uint64("from", r.From), zap.Uint64("to", r.To), zap.Int("logs", len(logs)))
	}
	return nil
}

func (d *decodeRun) logStats() {
	d.logger.Info("decode complete",
		zap.Int("total", d.stats.total),
		zap.Int("decoded", d.stats.decoded),
		zap.Int("skipped", d.stats.skipped),
		zap.Int("failed", d.stats.failed),
	)
}

func joinHex(addresses []common.Address) string {
	parts := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		parts = append(parts, strings.ToLower(addr.Hex()))
	}
	return strings.Join(parts, ",")
}
