package market

import (
	"fmt"
	"math/big"

	"marketScope/internal/model"
)

var (
	q96     = new(big.Int).Lsh(big.NewInt(1), 96)
	scale18 = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
)

// SettlementPriceD18 converts a settlement sqrtPriceX96 into an 18-decimal
// price: (sqrtPriceX96 / 2^96)^2 * 1e18. The shift truncates.
func SettlementPriceD18(sqrtPriceX96 string) (string, error) {
	v, err := model.ParseAmount(sqrtPriceX96)
	if err != nil {
		return "", err
	}
	if v.Sign() < 0 {
		return "", fmt.Errorf("negative sqrt price %s", sqrtPriceX96)
	}
	root := new(big.Int).Quo(v, q96)
	price := new(big.Int).Mul(root, root)
	return price.Mul(price, scale18).String(), nil
}
