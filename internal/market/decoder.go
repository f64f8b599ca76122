package market

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"marketScope/internal/model"
)

var (
	// ErrUnknownEvent is returned for logs whose topic0 is not a market event.
	ErrUnknownEvent = errors.New("unknown event")
	// ErrUndecodable is returned for market logs whose payload does not
	// match the event ABI.
	ErrUndecodable = errors.New("undecodable log")
)

// Decoder turns raw logs of one contract ABI into typed event args.
type Decoder struct {
	parsed  abi.ABI
	byTopic map[common.Hash]abi.Event
}

// NewDecoder decodes market group events.
func NewDecoder() (*Decoder, error) {
	parsed, err := MarketABI()
	if err != nil {
		return nil, fmt.Errorf("parse market abi: %w", err)
	}
	return newDecoder(parsed), nil
}

// NewFactoryDecoder decodes MarketGroupInitialized events.
func NewFactoryDecoder() (*Decoder, error) {
	parsed, err := FactoryABI()
	if err != nil {
		return nil, fmt.Errorf("parse factory abi: %w", err)
	}
	return newDecoder(parsed), nil
}

func newDecoder(parsed abi.ABI) *Decoder {
	byTopic := make(map[common.Hash]abi.Event, len(parsed.Events))
	for _, event := range parsed.Events {
		byTopic[event.ID] = event
	}
	return &Decoder{parsed: parsed, byTopic: byTopic}
}

// Topics returns the topic0 of every event the decoder knows.
func (d *Decoder) Topics() []common.Hash {
	out := make([]common.Hash, 0, len(d.byTopic))
	for topic := range d.byTopic {
		out = append(out, topic)
	}
	return out
}

// CanDecode reports whether topic0 belongs to a known event.
func (d *Decoder) CanDecode(topic0 string) bool {
	_, ok := d.byTopic[common.HexToHash(topic0)]
	return ok
}

// Decode returns the typed args of log.
func (d *Decoder) Decode(log model.LogRecord) (model.EventArgs, error) {
	if len(log.Topics) == 0 {
		return nil, fmt.Errorf("missing topics: %w", ErrUndecodable)
	}
	event, ok := d.byTopic[common.HexToHash(log.Topics[0])]
	if !ok {
		return nil, fmt.Errorf("topic0 %s: %w", log.Topics[0], ErrUnknownEvent)
	}

	values, err := unpackLog(event, log)
	if err != nil {
		return nil, fmt.Errorf("%s: %v: %w", event.Name, err, ErrUndecodable)
	}
	f := &fields{values: values}
	args := buildArgs(event.Name, f)
	if f.err != nil {
		return nil, fmt.Errorf("%s: %v: %w", event.Name, f.err, ErrUndecodable)
	}
	if args == nil {
		return nil, fmt.Errorf("event %s: %w", event.Name, ErrUnknownEvent)
	}
	return args, nil
}

func unpackLog(event abi.Event, log model.LogRecord) (map[string]interface{}, error) {
	indexed := indexedArguments(event.Inputs)
	if len(log.Topics) != len(indexed)+1 {
		return nil, fmt.Errorf("expected %d topics, got %d", len(indexed)+1, len(log.Topics))
	}
	topics, err := parseTopicHashes(log.Topics[1:])
	if err != nil {
		return nil, err
	}

	values := make(map[string]interface{}, len(event.Inputs))
	if err := abi.ParseTopicsIntoMap(values, indexed, topics); err != nil {
		return nil, fmt.Errorf("parse topics: %w", err)
	}
	data, err := hexutil.Decode(normalizeData(log.Data))
	if err != nil {
		return nil, fmt.Errorf("invalid data: %w", err)
	}
	if err := event.Inputs.UnpackIntoMap(values, data); err != nil {
		return nil, fmt.Errorf("unpack: %w", err)
	}
	return values, nil
}

func normalizeData(data string) string {
	if data == "" {
		return "0x"
	}
	return data
}

func buildArgs(name string, f *fields) model.EventArgs {
	switch name {
	case model.EventMarketInitialized:
		return model.MarketInitializedArgs{
			InitialOwner:    f.address("initialOwner"),
			CollateralAsset: f.address("collateralAsset"),
			Params:          f.params("marketParams"),
		}
	case model.EventMarketUpdated:
		return model.MarketUpdatedArgs{Params: f.params("marketParams")}
	case model.EventEpochCreated:
		return model.EpochCreatedArgs{
			EpochID:              f.uint64("epochId"),
			StartTime:            f.uint64("startTime"),
			EndTime:              f.uint64("endTime"),
			StartingSqrtPriceX96: f.amount("startingSqrtPriceX96"),
		}
	case model.EventEpochSettled:
		return model.EpochSettledArgs{
			EpochID:                f.uint64("epochId"),
			SettlementSqrtPriceX96: f.amount("settlementSqrtPriceX96"),
		}
	case model.EventTransfer:
		return model.TransferArgs{
			From:    f.address("from"),
			To:      f.address("to"),
			TokenID: f.uint64("tokenId"),
		}
	case model.EventPositionSettled:
		return model.PositionSettledArgs{
			PositionID:          f.uint64("positionId"),
			WithdrawnCollateral: f.amount("withdrawnCollateral"),
		}
	case model.EventLiquidityPositionCreated:
		return model.LiquidityPositionCreatedArgs{
			PositionRef:  f.positionRef(),
			Liquidity:    f.amount("liquidity"),
			AddedAmount0: f.amount("addedAmount0"),
			AddedAmount1: f.amount("addedAmount1"),
			LowerTick:    f.int24("lowerTick"),
			UpperTick:    f.int24("upperTick"),
			State:        f.state(),
		}
	case model.EventLiquidityPositionIncreased:
		return model.LiquidityPositionIncreasedArgs{
			PositionRef:      f.positionRef(),
			Liquidity:        f.amount("liquidity"),
			IncreasedAmount0: f.amount("increasedAmount0"),
			IncreasedAmount1: f.amount("increasedAmount1"),
			State:            f.state(),
		}
	case model.EventLiquidityPositionDecreased:
		return model.LiquidityPositionDecreasedArgs{
			PositionRef:      f.positionRef(),
			Liquidity:        f.amount("liquidity"),
			DecreasedAmount0: f.amount("decreasedAmount0"),
			DecreasedAmount1: f.amount("decreasedAmount1"),
			State:            f.state(),
		}
	case model.EventLiquidityPositionClosed:
		return model.LiquidityPositionClosedArgs{
			PositionRef:      f.positionRef(),
			Kind:             f.uint8("kind"),
			CollectedAmount0: f.amount("collectedAmount0"),
			CollectedAmount1: f.amount("collectedAmount1"),
			State:            f.state(),
		}
	case model.EventTraderPositionCreated:
		return model.TraderPositionCreatedArgs{TraderPositionArgs: f.trader()}
	case model.EventTraderPositionModified:
		return model.TraderPositionModifiedArgs{TraderPositionArgs: f.trader()}
	case model.EventMarketGroupInitialized:
		return model.MarketGroupInitializedArgs{
			Sender:      f.address("sender"),
			MarketGroup: f.address("marketGroup"),
			Nonce:       f.amount("nonce"),
		}
	default:
		return nil
	}
}

// fields reads typed values out of an unpacked log and keeps the first
// conversion error.
type fields struct {
	values map[string]interface{}
	err    error
}

func (f *fields) fail(name string, err error) {
	if f.err == nil {
		f.err = fmt.Errorf("field %s: %w", name, err)
	}
}

func (f *fields) get(name string) (interface{}, bool) {
	v, ok := f.values[name]
	if !ok {
		f.fail(name, errors.New("missing"))
	}
	return v, ok
}

func (f *fields) big(name string) *big.Int {
	v, ok := f.get(name)
	if !ok {
		return new(big.Int)
	}
	out, err := asBigInt(v)
	if err != nil {
		f.fail(name, err)
		return new(big.Int)
	}
	return out
}

func (f *fields) amount(name string) string {
	return f.big(name).String()
}

func (f *fields) uint64(name string) uint64 {
	v := f.big(name)
	if !v.IsUint64() {
		f.fail(name, fmt.Errorf("%s overflows uint64", v))
		return 0
	}
	return v.Uint64()
}

func (f *fields) uint8(name string) uint8 {
	v := f.big(name)
	if !v.IsUint64() || v.Uint64() > 0xff {
		f.fail(name, fmt.Errorf("%s overflows uint8", v))
		return 0
	}
	return uint8(v.Uint64())
}

func (f *fields) int24(name string) int32 {
	out, err := int24FromBig(f.big(name))
	if err != nil {
		f.fail(name, err)
	}
	return out
}

func (f *fields) address(name string) string {
	v, ok := f.get(name)
	if !ok {
		return ""
	}
	addr, err := asAddress(v)
	if err != nil {
		f.fail(name, err)
		return ""
	}
	return hexAddress(addr)
}

func (f *fields) positionRef() model.PositionRef {
	return model.PositionRef{
		Sender:          f.address("sender"),
		EpochID:         f.uint64("epochId"),
		PositionID:      f.uint64("positionId"),
		DeltaCollateral: f.amount("deltaCollateral"),
	}
}

func (f *fields) state() model.PositionState {
	return model.PositionState{
		CollateralAmount: f.amount("positionCollateralAmount"),
		VethAmount:       f.amount("positionVethAmount"),
		VgasAmount:       f.amount("positionVgasAmount"),
		BorrowedVeth:     f.amount("positionBorrowedVeth"),
		BorrowedVgas:     f.amount("positionBorrowedVgas"),
	}
}

func (f *fields) trader() model.TraderPositionArgs {
	return model.TraderPositionArgs{
		PositionRef:  f.positionRef(),
		InitialPrice: f.amount("initialPrice"),
		FinalPrice:   f.amount("finalPrice"),
		TradeRatio:   f.amount("tradeRatio"),
		State:        f.state(),
	}
}

// marketParamsTuple mirrors the MarketParams tuple field by field.
type marketParamsTuple struct {
	FeeRate                *big.Int
	AssertionLiveness      uint64
	BondCurrency           common.Address
	BondAmount             *big.Int
	ClaimStatement         []byte
	UniswapPositionManager common.Address
	UniswapSwapRouter      common.Address
	UniswapQuoter          common.Address
	OptimisticOracleV3     common.Address
}

func (f *fields) params(name string) (out model.MarketParams) {
	v, ok := f.get(name)
	if !ok {
		return out
	}
	defer func() {
		if r := recover(); r != nil {
			f.fail(name, fmt.Errorf("convert tuple: %v", r))
			out = model.MarketParams{}
		}
	}()
	tuple := abi.ConvertType(v, new(marketParamsTuple)).(*marketParamsTuple)
	if tuple.FeeRate == nil || !tuple.FeeRate.IsUint64() || tuple.FeeRate.Uint64() > 0xffffff {
		f.fail(name, errors.New("fee rate out of range"))
		return out
	}
	bond := "0"
	if tuple.BondAmount != nil {
		bond = tuple.BondAmount.String()
	}
	return model.MarketParams{
		FeeRate:                uint32(tuple.FeeRate.Uint64()),
		AssertionLiveness:      tuple.AssertionLiveness,
		BondCurrency:           hexAddress(tuple.BondCurrency),
		BondAmount:             bond,
		ClaimStatement:         claimText(tuple.ClaimStatement),
		UniswapPositionManager: hexAddress(tuple.UniswapPositionManager),
		UniswapSwapRouter:      hexAddress(tuple.UniswapSwapRouter),
		UniswapQuoter:          hexAddress(tuple.UniswapQuoter),
		OptimisticOracleV3:     hexAddress(tuple.OptimisticOracleV3),
	}
}

// claimText keeps printable claims as text and falls back to hex.
func claimText(b []byte) string {
	s := strings.TrimRight(string(b), "\x00")
	for _, r := range s {
		if r == 0xfffd || (r < 0x20 && r != '\n' && r != '\t') {
			return hexutil.Encode(b)
		}
	}
	return s
}

func hexAddress(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

func parseTopicHashes(topics []string) ([]common.Hash, error) {
	out := make([]common.Hash, 0, len(topics))
	for _, topic := range topics {
		data, err := hexutil.Decode(topic)
		if err != nil {
			return nil, fmt.Errorf("invalid topic: %w", err)
		}
		if len(data) > 32 {
			return nil, fmt.Errorf("topic length %d", len(data))
		}
		out = append(out, common.BytesToHash(data))
	}
	return out, nil
}

func indexedArguments(args abi.Arguments) abi.Arguments {
	indexed := make(abi.Arguments, 0, len(args))
	for _, arg := range args {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	return indexed
}

func asAddress(value interface{}) (common.Address, error) {
	switch v := value.(type) {
	case common.Address:
		return v, nil
	case *common.Address:
		return *v, nil
	default:
		return common.Address{}, fmt.Errorf("unsupported address type %T", value)
	}
}

func asBigInt(value interface{}) (*big.Int, error) {
	switch v := value.(type) {
	case *big.Int:
		return new(big.Int).Set(v), nil
	case uint8:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint16:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint32:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint64:
		return new(big.Int).SetUint64(v), nil
	case int8:
		return big.NewInt(int64(v)), nil
	case int16:
		return big.NewInt(int64(v)), nil
	case int32:
		return big.NewInt(int64(v)), nil
	case int64:
		return big.NewInt(v), nil
	default:
		return nil, fmt.Errorf("unsupported int type %T", value)
	}
}

func int24FromBig(value *big.Int) (int32, error) {
	min := big.NewInt(-1 << 23)
	max := big.NewInt((1 << 23) - 1)
	if value.Cmp(min) < 0 || value.Cmp(max) > 0 {
		return 0, fmt.Errorf("int24 overflow: %s", value.String())
	}
	return int32(value.Int64()), nil
}
