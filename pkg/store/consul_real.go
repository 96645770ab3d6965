//go:build consul

package store

import (
	"context"

	"wirtbot/pkg/consul"
)

// NewConsulStore creates a Consul-backed store (requires build tag consul).
func NewConsulStore(addr string) SnapshotStore {
	return consulStore{consul.NewStore(addr)}
}

type consulStore struct{ *consul.Store }

func (c consulStore) SaveSnapshot(s Snapshot) error {
	return c.Put(consul.Snapshot(s))
}

func (c consulStore) LoadSnapshot() (Snapshot, bool, error) {
	s, ok, err := c.Latest()
	return Snapshot(s), ok, err
}

func (c consulStore) ListSnapshots(limit int) ([]Snapshot, error) {
	hist, err := c.History(limit)
	if err != nil {
		return nil, err
	}
	out := make([]Snapshot, len(hist))
	for i, s := range hist {
		out[i] = Snapshot(s)
	}
	return out, nil
}

func (c consulStore) Watch(ctx context.Context) (<-chan Snapshot, error) {
	in, err := c.WatchSnapshots(ctx)
	if err != nil {
		return nil, err
	}
	out := make(chan Snapshot)
	go func() {
		defer close(out)
		for s := range in {
			select {
			case out <- Snapshot(s):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
