package chain

import (
	"context"
	"fmt"
	"sort"
)

// Clients holds one RPC client per chain id.
type Clients map[uint64]*Client

// DialAll connects to every configured chain. Already opened clients are
// closed when a later dial fails.
func DialAll(ctx context.Context, urls map[uint64]string) (Clients, error) {
	ids := make([]uint64, 0, len(urls))
	for id := range urls {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	clients := make(Clients, len(urls))
	for _, id := range ids {
		client, err := NewClient(ctx, id, urls[id])
		if err != nil {
			clients.Close()
			return nil, fmt.Errorf("connect rpc for chain %d: %w", id, err)
		}
		clients[id] = client
	}
	return clients, nil
}

// Get returns the client of chainID.
func (c Clients) Get(chainID uint64) (*Client, error) {
	client, ok := c[chainID]
	if !ok {
		return nil, fmt.Errorf("no rpc url configured for chain %d", chainID)
	}
	return client, nil
}

// Close closes every client.
func (c Clients) Close() {
	for _, client := range c {
		client.Close()
	}
}
