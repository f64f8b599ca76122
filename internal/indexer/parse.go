package indexer

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ParseAddresses converts string addresses into common.Address.
func ParseAddresses(inputs []string) ([]common.Address, error) {
	addresses := make([]common.Address, 0, len(inputs))
	for _, input := range inputs {
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		if !common.IsHexAddress(input) {
			return nil, fmt.Errorf("invalid address: %s", input)
		}
		addresses = append(addresses, common.HexToAddress(input))
	}
	return addresses, nil
}

// ParseUnits converts block, slot or timestamp identifiers into a sorted,
// de-duplicated list. Ranges are written as "from-to".
func ParseUnits(inputs []string) ([]uint64, error) {
	seen := make(map[uint64]struct{})
	for _, input := range inputs {
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		if from, to, ok := strings.Cut(input, "-"); ok {
			start, err := strconv.ParseUint(strings.TrimSpace(from), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid unit range: %s", input)
			}
			end, err := strconv.ParseUint(strings.TrimSpace(to), 10, 64)
			if err != nil || end < start {
				return nil, fmt.Errorf("invalid unit range: %s", input)
			}
			for n := start; n <= end; n++ {
				seen[n] = struct{}{}
			}
			continue
		}
		n, err := strconv.ParseUint(input, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid unit: %s", input)
		}
		seen[n] = struct{}{}
	}

	units := make([]uint64, 0, len(seen))
	for n := range seen {
		units = append(units, n)
	}
	sort.Slice(units, func(i, j int) bool { return units[i] < units[j] })
	return units, nil
}
