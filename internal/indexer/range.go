package indexer

import "fmt"

// BlockRange is an inclusive range of blocks, slots or timestamps.
type BlockRange struct {
	From uint64
	To   uint64
}

// SplitRange cuts [from, to] into consecutive chunks of at most size units.
func SplitRange(from, to, size uint64) ([]BlockRange, error) {
	if size == 0 {
		return nil, fmt.Errorf("batch size must be greater than zero")
	}
	if to < from {
		return nil, fmt.Errorf("invalid range [%d, %d]", from, to)
	}

	ranges := make([]BlockRange, 0, (to-from)/size+1)
	for start := from; ; start += size {
		end := to
		if to-start >= size {
			end = start + size - 1
		}
		ranges = append(ranges, BlockRange{From: start, To: end})
		if end == to {
			return ranges, nil
		}
	}
}

// Len returns the number of units in the range.
func (r BlockRange) Len() uint64 {
	if r.To < r.From {
		return 0
	}
	return r.To - r.From + 1
}

// MissingUnits returns the units in [from, to] not present in have, in
// ascending order.
func MissingUnits(from, to uint64, have map[uint64]struct{}) []uint64 {
	if to < from {
		return nil
	}
	missing := make([]uint64, 0)
	for n := from; ; n++ {
		if _, ok := have[n]; !ok {
			missing = append(missing, n)
		}
		if n == to {
			break
		}
	}
	return missing
}
