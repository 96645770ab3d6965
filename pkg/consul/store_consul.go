//go:build consul

package consul

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	consulapi "github.com/hashicorp/consul/api"

	"wirtbot/pkg/model"
)

// Store keeps topology snapshots and audit entries in Consul KV.
type Store struct {
	cli  *consulapi.Client
	keep int
}

// Snapshot mirrors store.Snapshot so the two convert directly.
type Snapshot struct {
	Revision uint64    `json:"revision"`
	Version  string    `json:"version"`
	Data     []byte    `json:"data"`
	SavedAt  time.Time `json:"savedAt"`
}

const (
	snapshotKey     = "wirtbot/snapshot/latest"
	historyPrefix   = "wirtbot/snapshot/history/"
	auditPrefix     = "wirtbot/audit/"
	defaultKeepHist = 20
)

func NewStore(addr string) *Store {
	cfg := consulapi.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	cli, _ := consulapi.NewClient(cfg) // ignore error for build; runtime will report
	return &Store{cli: cli, keep: defaultKeepHist}
}

// Put writes s as the latest snapshot and appends it to the history.
// The latest key is written with CAS against the previous index so two
// controllers cannot interleave writes silently.
func (s *Store) Put(snap Snapshot) error {
	if s.cli == nil {
		return fmt.Errorf("consul client not configured")
	}
	if snap.SavedAt.IsZero() {
		snap.SavedAt = time.Now()
	}
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	kv := s.cli.KV()
	cur, _, err := kv.Get(snapshotKey, nil)
	if err != nil {
		return err
	}
	pair := &consulapi.KVPair{Key: snapshotKey, Value: b}
	if cur != nil {
		pair.ModifyIndex = cur.ModifyIndex
	}
	ok, _, err := kv.CAS(pair, nil)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("snapshot CAS failed")
	}
	histKey := fmt.Sprintf("%s%020d", historyPrefix, snap.Revision)
	if _, err := kv.Put(&consulapi.KVPair{Key: histKey, Value: b}, nil); err != nil {
		return err
	}
	return s.prune()
}

func (s *Store) prune() error {
	keys, _, err := s.cli.KV().Keys(historyPrefix, "", nil)
	if err != nil {
		return err
	}
	for len(keys) > s.keep {
		if _, err := s.cli.KV().Delete(keys[0], nil); err != nil {
			return err
		}
		keys = keys[1:]
	}
	return nil
}

func (s *Store) Latest() (Snapshot, bool, error) {
	if s.cli == nil {
		return Snapshot{}, false, fmt.Errorf("consul client not configured")
	}
	kv, _, err := s.cli.KV().Get(snapshotKey, nil)
	if err != nil || kv == nil {
		return Snapshot{}, false, err
	}
	var snap Snapshot
	if err := json.Unmarshal(kv.Value, &snap); err != nil {
		return Snapshot{}, false, err
	}
	return snap, true, nil
}

func (s *Store) History(limit int) ([]Snapshot, error) {
	if s.cli == nil {
		return nil, fmt.Errorf("consul client not configured")
	}
	pairs, _, err := s.cli.KV().List(historyPrefix, nil)
	if err != nil {
		return nil, err
	}
	var out []Snapshot
	for _, p := range pairs {
		var snap Snapshot
		if err := json.Unmarshal(p.Value, &snap); err == nil {
			out = append(out, snap)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *Store) AppendAudit(entry model.AuditEntry) error {
	if s.cli == nil {
		return fmt.Errorf("consul client not configured")
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	b, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	key := auditPrefix + strconv.FormatInt(entry.Timestamp.UnixNano(), 10) + "-" + entry.Action
	_, err = s.cli.KV().Put(&consulapi.KVPair{Key: key, Value: b}, nil)
	return err
}

func (s *Store) ListAudit(limit int) ([]model.AuditEntry, error) {
	if s.cli == nil {
		return nil, fmt.Errorf("consul client not configured")
	}
	pairs, _, err := s.cli.KV().List(auditPrefix, nil)
	if err != nil {
		return nil, err
	}
	var out []model.AuditEntry
	for _, p := range pairs {
		var e model.AuditEntry
		if err := json.Unmarshal(p.Value, &e); err == nil {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Ping reports whether the agent answers.
func (s *Store) Ping() error {
	if s.cli == nil {
		return fmt.Errorf("consul client not configured")
	}
	_, err := s.cli.Status().Leader()
	return err
}

// Client exposes the underlying Consul client for watch helpers.
func (s *Store) Client() *consulapi.Client {
	return s.cli
}

// WatchSnapshots streams the latest snapshot each time another controller writes it.
func (s *Store) WatchSnapshots(ctx context.Context) (<-chan Snapshot, error) {
	raw := make(chan []*consulapi.KVPair)
	if err := WatchPrefix(ctx, s.cli, snapshotKey, raw); err != nil {
		return nil, err
	}
	out := make(chan Snapshot)
	go func() {
		defer close(out)
		for pairs := range raw {
			for _, p := range pairs {
				var snap Snapshot
				if p.Key != snapshotKey || json.Unmarshal(p.Value, &snap) != nil {
					continue
				}
				select {
				case out <- snap:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// WatchPrefix returns a blocking query channel for changes on a prefix.
func WatchPrefix(ctx context.Context, cli *consulapi.Client, prefix string, out chan<- []*consulapi.KVPair) error {
	if cli == nil {
		return fmt.Errorf("consul client not configured")
	}
	q := (&consulapi.QueryOptions{}).WithContext(ctx)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			kv, meta, err := cli.KV().List(prefix, q)
			if err == nil && kv != nil {
				select {
				case out <- kv:
				case <-ctx.Done():
					return
				}
				q.WaitIndex = meta.LastIndex
			} else {
				time.Sleep(time.Second)
			}
		}
	}()
	return nil
}
