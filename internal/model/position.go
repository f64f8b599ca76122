package model

import (
	"fmt"
	"math/big"
	"sort"
)

// Position is the running balance of one position NFT.
type Position struct {
	ID            int64  `json:"id"`
	MarketGroupID int64  `json:"market_group_id"`
	PositionID    uint64 `json:"position_id"`
	MarketID      uint64 `json:"market_id"`
	Owner         string `json:"owner"`
	IsLP          bool   `json:"is_lp"`
	IsSettled     bool   `json:"is_settled"`
	Base          string `json:"base"`
	Quote         string `json:"quote"`
	BorrowedBase  string `json:"borrowed_base"`
	BorrowedQuote string `json:"borrowed_quote"`
	Collateral    string `json:"collateral"`
	LpBase        string `json:"lp_base"`
	LpQuote       string `json:"lp_quote"`
	LowPriceTick  int32  `json:"low_price_tick"`
	HighPriceTick int32  `json:"high_price_tick"`
}

// FoldPosition rebuilds pos from every transaction of the position.
//
// Transactions are applied in chain order. For transactions carrying a state
// snapshot the base, quote and borrowed deltas are the difference to the
// previous snapshot; collateral and LP deltas are taken as recorded. Balances
// are the sum of all deltas, so the result does not depend on the order in
// which transactions were stored. The returned slice holds the transactions
// whose deltas were rewritten.
func FoldPosition(pos Position, txs []Transaction) (Position, []Transaction, error) {
	ordered := make([]Transaction, len(txs))
	copy(ordered, txs)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Before(ordered[j]) })

	var (
		prev    [4]*big.Int
		sums    [7]*big.Int
		changed []Transaction
		sawLP   bool
		toTrade bool
		settled bool
	)
	for i := range prev {
		prev[i] = new(big.Int)
	}
	for i := range sums {
		sums[i] = new(big.Int)
	}

	for _, tx := range ordered {
		deltas := tx.Deltas
		if tx.HasSnapshot {
			snap, err := parseSnapshot(tx.Snapshot)
			if err != nil {
				return pos, nil, fmt.Errorf("transaction %d snapshot: %w", tx.EventID, err)
			}
			diff := make([]string, len(prev))
			for i := range prev {
				diff[i] = new(big.Int).Sub(snap[i], prev[i]).String()
				prev[i] = snap[i]
			}
			deltas.Base, deltas.Quote, deltas.BorrowedBase, deltas.BorrowedQuote = diff[0], diff[1], diff[2], diff[3]
		}
		if deltas != tx.Deltas {
			tx.Deltas = deltas
			changed = append(changed, tx)
		}

		values := []string{deltas.Base, deltas.Quote, deltas.BorrowedBase, deltas.BorrowedQuote, deltas.Collateral, deltas.LpBase, deltas.LpQuote}
		for i, s := range values {
			v, err := ParseAmount(s)
			if err != nil {
				return pos, nil, fmt.Errorf("transaction %d deltas: %w", tx.EventID, err)
			}
			sums[i].Add(sums[i], v)
		}

		if tx.MarketID != 0 {
			pos.MarketID = tx.MarketID
		}
		if tx.HasTicks {
			pos.LowPriceTick = tx.LowTick
			pos.HighPriceTick = tx.HighTick
		}
		if pos.Owner == "" && tx.Owner != "" {
			pos.Owner = tx.Owner
		}
		if tx.IsLiquidity() {
			sawLP = true
		}
		if tx.Type == TxRemoveLiquidity && tx.CloseKind == PositionKindTrade {
			toTrade = true
		}
		if tx.Type == TxSettledPosition {
			settled = true
		}
	}

	pos.Base = sums[0].String()
	pos.Quote = sums[1].String()
	pos.BorrowedBase = sums[2].String()
	pos.BorrowedQuote = sums[3].String()
	pos.Collateral = sums[4].String()
	pos.LpBase = sums[5].String()
	pos.LpQuote = sums[6].String()
	pos.IsLP = sawLP && !toTrade
	pos.IsSettled = settled

	return pos, changed, nil
}

func parseSnapshot(b Balances) ([4]*big.Int, error) {
	var out [4]*big.Int
	for i, s := range []string{b.Base, b.Quote, b.BorrowedBase, b.BorrowedQuote} {
		v, err := ParseAmount(s)
		if err != nil {
			return out, err
		}
		out[i] = v
	}
	return out, nil
}
