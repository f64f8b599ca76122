package market

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"marketScope/internal/metrics"
	"marketScope/internal/model"
	"marketScope/internal/storage"
)

// Dead letter stages.
const (
	StageDecode = "decode"
	StageDerive = "derive"
)

// Ingestor stores decoded events and derives entities from them.
type Ingestor struct {
	store      Store
	decoder    *Decoder
	deriver    *Deriver
	deadLetter storage.DeadLetter
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// IngestorOptions are the optional collaborators of an Ingestor.
type IngestorOptions struct {
	DeadLetter storage.DeadLetter
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

func NewIngestor(store Store, decoder *Decoder, deriver *Deriver, opts IngestorOptions) *Ingestor {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	deadLetter := opts.DeadLetter
	if deadLetter == nil {
		deadLetter = storage.Discard{}
	}
	return &Ingestor{
		store:      store,
		decoder:    decoder,
		deriver:    deriver,
		deadLetter: deadLetter,
		metrics:    opts.Metrics,
		logger:     logger.Named("ingestor"),
	}
}

// Topics returns the topic0 filter for market group logs.
func (i *Ingestor) Topics() []common.Hash {
	return i.decoder.Topics()
}

// UpsertEvent stores the event of log and derives from it whether or not it
// was already stored, so replays repair derived state.
func (i *Ingestor) UpsertEvent(ctx context.Context, group model.MarketGroup, log model.LogRecord, ts uint64, args model.EventArgs) (model.Event, error) {
	ev := model.Event{
		MarketGroupID:   group.ID,
		Name:            args.EventName(),
		BlockNumber:     log.BlockNumber,
		Timestamp:       ts,
		LogIndex:        log.LogIndex,
		TransactionHash: log.TxHash,
		Args:            args,
	}
	stored, created, err := i.store.InsertEvent(ctx, ev)
	if err != nil {
		return model.Event{}, fmt.Errorf("store event: %w", err)
	}
	i.metrics.EventIngested(stored.Name, created)
	if !created {
		i.logger.Debug("event already stored",
			zap.Int64("event_id", stored.ID),
			zap.String("event", stored.Name),
			zap.Uint64("block_number", stored.BlockNumber),
		)
	}

	if err := i.deriver.Derive(ctx, group, stored); err != nil {
		return stored, fmt.Errorf("derive %s %d: %w", stored.Name, stored.ID, err)
	}
	return stored, nil
}

// Process decodes and ingests one log. Logs that cannot be decoded or
// applied are written to the dead letter sink and do not fail the call.
func (i *Ingestor) Process(ctx context.Context, group model.MarketGroup, log model.LogRecord) error {
	if log.Removed {
		return nil
	}
	args, err := i.decoder.Decode(log)
	if err != nil {
		if errors.Is(err, ErrUnknownEvent) {
			i.logger.Debug("skip unknown log", zap.String("tx_hash", log.TxHash), zap.Uint64("log_index", log.LogIndex))
			return nil
		}
		i.reject(group, log, StageDecode, err)
		return nil
	}

	if _, err := i.UpsertEvent(ctx, group, log, log.Timestamp, args); err != nil {
		if errors.Is(err, ErrInvalidEvent) {
			i.reject(group, log, StageDerive, err)
			return nil
		}
		return err
	}
	return nil
}

func (i *Ingestor) reject(group model.MarketGroup, log model.LogRecord, stage string, err error) {
	i.logger.Warn("market log rejected",
		zap.String("stage", stage),
		zap.String("market_group", group.Address),
		zap.Uint64("block_number", log.BlockNumber),
		zap.String("tx_hash", log.TxHash),
		zap.Uint64("log_index", log.LogIndex),
		zap.Error(err),
	)
	record := DecodeErrorFromLog(log, stage, err)
	record.MarketGroupID = group.ID
	if err := i.deadLetter.PutDecodeErrors([]model.DecodeError{record}); err != nil {
		i.logger.Error("write dead letter failed", zap.Error(err))
	}
}

// DecodeErrorFromLog builds the dead letter record of log.
func DecodeErrorFromLog(log model.LogRecord, stage string, err error) model.DecodeError {
	topic0 := ""
	if len(log.Topics) > 0 {
		topic0 = log.Topics[0]
	}
	return model.DecodeError{
		ChainID:     log.ChainID,
		BlockNumber: log.BlockNumber,
		TxHash:      log.TxHash,
		LogIndex:    log.LogIndex,
		Address:     log.Address,
		Topic0:      topic0,
		Stage:       stage,
		Error:       err.Error(),
		RecordedAt:  time.Now().UTC().Format(time.RFC3339),
	}
}
