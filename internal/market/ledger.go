package market

import (
	"fmt"

	"marketScope/internal/model"
)

// buildTransaction maps a position event onto its ledger transaction. It
// reports false for events that never produce one.
func buildTransaction(ev model.Event) (model.Transaction, bool, error) {
	tx := model.Transaction{
		EventID:         ev.ID,
		MarketGroupID:   ev.MarketGroupID,
		TransactionHash: ev.TransactionHash,
		BlockNumber:     ev.BlockNumber,
		LogIndex:        ev.LogIndex,
		Timestamp:       ev.Timestamp,
		Deltas:          zeroDeltas(),
	}

	var err error
	switch a := ev.Args.(type) {
	case model.PositionSettledArgs:
		tx.Type = model.TxSettledPosition
		tx.PositionID = a.PositionID
		tx.Deltas.Collateral, err = model.NegateAmount(a.WithdrawnCollateral)
	case model.LiquidityPositionCreatedArgs:
		applyRef(&tx, a.PositionRef, a.State)
		tx.Type = model.TxAddLiquidity
		tx.HasTicks = true
		tx.LowTick, tx.HighTick = a.LowerTick, a.UpperTick
		tx.Deltas.LpBase, tx.Deltas.LpQuote = a.AddedAmount0, a.AddedAmount1
	case model.LiquidityPositionIncreasedArgs:
		applyRef(&tx, a.PositionRef, a.State)
		tx.Type = model.TxAddLiquidity
		tx.Deltas.LpBase, tx.Deltas.LpQuote = a.IncreasedAmount0, a.IncreasedAmount1
	case model.LiquidityPositionDecreasedArgs:
		applyRef(&tx, a.PositionRef, a.State)
		tx.Type = model.TxRemoveLiquidity
		tx.Deltas.LpBase, tx.Deltas.LpQuote, err = negatePair(a.DecreasedAmount0, a.DecreasedAmount1)
	case model.LiquidityPositionClosedArgs:
		applyRef(&tx, a.PositionRef, a.State)
		tx.Type = model.TxRemoveLiquidity
		tx.CloseKind = a.Kind
		tx.Deltas.LpBase, tx.Deltas.LpQuote, err = negatePair(a.CollectedAmount0, a.CollectedAmount1)
	case model.TraderPositionCreatedArgs:
		err = applyTrade(&tx, a.TraderPositionArgs)
	case model.TraderPositionModifiedArgs:
		err = applyTrade(&tx, a.TraderPositionArgs)
	default:
		return model.Transaction{}, false, nil
	}
	if err != nil {
		return model.Transaction{}, false, fmt.Errorf("%s deltas: %w", ev.Name, err)
	}
	return tx, true, nil
}

func zeroDeltas() model.TokenDeltas {
	return model.TokenDeltas{
		Base:          "0",
		Quote:         "0",
		BorrowedBase:  "0",
		BorrowedQuote: "0",
		Collateral:    "0",
		LpBase:        "0",
		LpQuote:       "0",
	}
}

// applyRef copies the position reference and the reported state. Base is
// the vGas balance and quote the vETH balance.
func applyRef(tx *model.Transaction, ref model.PositionRef, state model.PositionState) {
	tx.MarketID = ref.EpochID
	tx.PositionID = ref.PositionID
	tx.Owner = ref.Sender
	tx.Deltas.Collateral = ref.DeltaCollateral
	tx.HasSnapshot = true
	tx.Snapshot = model.Balances{
		Base:          state.VgasAmount,
		Quote:         state.VethAmount,
		BorrowedBase:  state.BorrowedVgas,
		BorrowedQuote: state.BorrowedVeth,
		Collateral:    state.CollateralAmount,
	}
}

func applyTrade(tx *model.Transaction, a model.TraderPositionArgs) error {
	applyRef(tx, a.PositionRef, a.State)
	initial, err := model.ParseAmount(a.InitialPrice)
	if err != nil {
		return err
	}
	final, err := model.ParseAmount(a.FinalPrice)
	if err != nil {
		return err
	}
	tx.Type = model.TxShort
	if final.Cmp(initial) > 0 {
		tx.Type = model.TxLong
	}
	tx.TradeRatioD18 = a.TradeRatio
	tx.MarketPrice = &model.MarketPrice{Timestamp: tx.Timestamp, Value: a.FinalPrice}
	return nil
}

func negatePair(a, b string) (string, string, error) {
	na, err := model.NegateAmount(a)
	if err != nil {
		return "", "", err
	}
	nb, err := model.NegateAmount(b)
	if err != nil {
		return "", "", err
	}
	return na, nb, nil
}

// attachCollateralTransfer records collateral moving when the delta is
// non-zero. It runs after the owner is known.
func attachCollateralTransfer(tx *model.Transaction) {
	if tx.Deltas.Collateral == "" || model.IsZeroAmount(tx.Deltas.Collateral) {
		return
	}
	tx.CollateralTransfer = &model.CollateralTransfer{
		TransactionHash: tx.TransactionHash,
		Timestamp:       tx.Timestamp,
		Owner:           tx.Owner,
		Collateral:      tx.Deltas.Collateral,
	}
}
