package model

import (
	"fmt"
	"math/big"
)

// ParseAmount parses a base-10 integer. The empty string is zero.
func ParseAmount(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", s)
	}
	return v, nil
}

// NegateAmount returns -s.
func NegateAmount(s string) (string, error) {
	v, err := ParseAmount(s)
	if err != nil {
		return "", err
	}
	return v.Neg(v).String(), nil
}

// IsZeroAmount reports whether s parses to zero. Invalid input is not zero.
func IsZeroAmount(s string) bool {
	v, err := ParseAmount(s)
	return err == nil && v.Sign() == 0
}
