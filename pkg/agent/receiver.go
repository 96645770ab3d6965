package agent

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"wirtbot/pkg/auth"
	"wirtbot/pkg/logging"
	"wirtbot/pkg/push"
)

// MaxBody bounds a pushed artifact.
const MaxBody = 1 << 20

var (
	// ErrStale rejects a push older than what was already applied.
	ErrStale = errors.New("stale revision")
	// ErrUnsigned rejects a push without a valid signature.
	ErrUnsigned = errors.New("missing or invalid push signature")
)

// Outcome reports how a push was handled.
type Outcome struct {
	Kind     push.Kind `json:"kind"`
	Revision uint64    `json:"revision"`
	Status   string    `json:"status"` // applied, unchanged
	Path     string    `json:"path,omitempty"`
}

// Receiver accepts pushes for the kinds in push.Kinds.
type Receiver struct {
	Dir     string
	Key     ed25519.PublicKey // nil accepts unsigned pushes
	Applier Applier           // nil only writes the files
	Journal *Journal          // nil keeps the state in memory only

	mu   sync.Mutex
	last map[push.Kind]Entry
}

// NewReceiver seeds the last applied revisions from journal.
func NewReceiver(dir string, key ed25519.PublicKey, applier Applier, journal *Journal) *Receiver {
	rc := &Receiver{Dir: dir, Key: key, Applier: applier, Journal: journal, last: map[push.Kind]Entry{}}
	if journal != nil {
		for _, k := range push.Kinds {
			e, ok, err := journal.LastApplied(context.Background(), string(k))
			if err != nil {
				logging.Warnf("journal lookup %s: %v", k, err)
				continue
			}
			if ok {
				rc.last[k] = e
			}
		}
	}
	return rc
}

func (rc *Receiver) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	for _, k := range push.Kinds {
		mux.HandleFunc("/api/v1/"+string(k), rc.handlePush(k))
	}
	mux.HandleFunc("/api/v1/status", rc.handleStatus)
}

func (rc *Receiver) handlePush(kind push.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBody))
		if err != nil {
			http.Error(w, "body too large or unreadable", http.StatusRequestEntityTooLarge)
			return
		}
		rev, err := rc.authorize(r, kind, body)
		if err != nil {
			logging.Warnf("rejected %s push from %s: %v", kind, r.RemoteAddr, err)
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		out, err := rc.Receive(r.Context(), kind, rev, body)
		switch {
		case errors.Is(err, ErrStale):
			http.Error(w, err.Error(), http.StatusConflict)
		case err != nil:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		default:
			writeJSON(w, http.StatusOK, out)
		}
	}
}

// authorize verifies the signature and returns the pushed revision.
func (rc *Receiver) authorize(r *http.Request, kind push.Kind, body []byte) (uint64, error) {
	if rc.Key == nil {
		rev, _ := strconv.ParseUint(r.Header.Get("X-Wirtbot-Revision"), 10, 64)
		return rev, nil
	}
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return 0, ErrUnsigned
	}
	claims, err := auth.VerifyPush(rc.Key, strings.TrimPrefix(h, "Bearer "), string(kind), body)
	if err != nil {
		return 0, ErrUnsigned
	}
	return claims.Revision, nil
}

// Receive writes and applies body unless an equal or newer revision was
// already applied. Revision zero is never considered stale.
func (rc *Receiver) Receive(ctx context.Context, kind push.Kind, rev uint64, body []byte) (Outcome, error) {
	name, perm, err := fileFor(kind)
	if err != nil {
		return Outcome{}, err
	}
	path := filepath.Join(rc.Dir, name)
	digest := auth.BodyDigest(body)
	entry := Entry{Kind: string(kind), Revision: rev, SHA256: digest, Time: time.Now()}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	last, seen := rc.last[kind]
	if seen && rev != 0 {
		if rev < last.Revision {
			entry.Status = StatusStale
			entry.Detail = fmt.Sprintf("applied revision is %d", last.Revision)
			rc.record(ctx, entry)
			return Outcome{}, fmt.Errorf("%w: %s rev %d, applied %d", ErrStale, kind, rev, last.Revision)
		}
		if rev == last.Revision && digest == last.SHA256 {
			return Outcome{Kind: kind, Revision: rev, Status: "unchanged", Path: path}, nil
		}
	}

	if err := writeAtomic(path, body, perm); err != nil {
		entry.Status = StatusFailed
		entry.Detail = err.Error()
		rc.record(ctx, entry)
		return Outcome{}, fmt.Errorf("write %s: %w", name, err)
	}
	if rc.Applier != nil {
		if err := rc.Applier.Apply(ctx, kind, path); err != nil {
			entry.Status = StatusFailed
			entry.Detail = err.Error()
			rc.record(ctx, entry)
			return Outcome{}, fmt.Errorf("apply %s: %w", name, err)
		}
	}
	entry.Status = StatusApplied
	rc.record(ctx, entry)
	rc.last[kind] = entry
	logging.L.Info("applied push", "kind", kind, "revision", rev, "path", path)
	return Outcome{Kind: kind, Revision: rev, Status: StatusApplied, Path: path}, nil
}

func (rc *Receiver) record(ctx context.Context, e Entry) {
	if rc.Journal == nil {
		return
	}
	if err := rc.Journal.Record(ctx, e); err != nil {
		logging.Warnf("journal %s rev %d: %v", e.Kind, e.Revision, err)
	}
}

// Status is served on /api/v1/status.
type Status struct {
	Applied map[push.Kind]Entry `json:"applied"`
	Recent  []Entry             `json:"recent,omitempty"`
}

func (rc *Receiver) Status(ctx context.Context) Status {
	rc.mu.Lock()
	s := Status{Applied: make(map[push.Kind]Entry, len(rc.last))}
	for k, e := range rc.last {
		s.Applied[k] = e
	}
	rc.mu.Unlock()
	if rc.Journal != nil {
		recent, err := rc.Journal.List(ctx, 20)
		if err != nil {
			logging.Warnf("journal list: %v", err)
		}
		s.Recent = recent
	}
	return s
}

func (rc *Receiver) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, rc.Status(r.Context()))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warnf("failed to write response: %v", err)
	}
}
