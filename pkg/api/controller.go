package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"wirtbot/pkg/logging"
	"wirtbot/pkg/model"
	"wirtbot/pkg/topology"
	"wirtbot/pkg/version"
)

// MaxBackupSize bounds an uploaded backup document.
const MaxBackupSize = 4 << 20

type handlers struct {
	st  *topology.Store
	hub *Hub
}

// RegisterRoutes wires the HTTP handlers on the provided mux.
func RegisterRoutes(mux *http.ServeMux, st *topology.Store, hub *Hub, authn Authenticator) {
	h := &handlers{st: st, hub: hub}
	protect := authn.Wrap

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("wirtbot controller"))
	})

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if err := st.Ping(); err != nil {
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/api/v1/state", protect(h.state))
	mux.HandleFunc("/api/v1/topology", protect(h.topology))
	mux.HandleFunc("/api/v1/server", protect(h.server))
	mux.HandleFunc("/api/v1/server/config", protect(h.serverConfig))
	mux.HandleFunc("/api/v1/server/rotate-keys", protect(h.rotateKeys))
	mux.HandleFunc("/api/v1/devices", protect(h.devices))
	mux.HandleFunc("/api/v1/devices/{id}", protect(h.device))
	mux.HandleFunc("/api/v1/devices/{id}/config", protect(h.deviceConfig))
	mux.HandleFunc("/api/v1/drafts", protect(h.drafts))
	mux.HandleFunc("/api/v1/dns", protect(h.dns))
	mux.HandleFunc("/api/v1/dns/zone", protect(h.dnsZone))
	mux.HandleFunc("/api/v1/backup", protect(h.backup))
	mux.HandleFunc("/api/v1/resync", protect(h.resync))
	mux.HandleFunc("/api/v1/alerts", protect(h.alerts))
	mux.HandleFunc("/api/v1/alerts/{id}", protect(h.alert))
	mux.HandleFunc("/api/v1/audit", protect(h.audit))
	mux.HandleFunc("/api/v1/snapshots", protect(h.snapshots))
	if hub != nil {
		mux.HandleFunc("/api/v1/events", protect(h.events))
	}
}

func (h *handlers) stateResponse() StateResponse {
	snap := h.st.Snapshot()
	return StateResponse{
		State:    h.st.State(),
		Revision: h.st.Revision(),
		Version:  snap.Version,
		Schema:   version.Schema,
		Build:    version.Build,
		Devices:  len(snap.RealDevices()),
	}
}

func (h *handlers) state(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, h.stateResponse())
}

func (h *handlers) topology(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, h.st.Snapshot().Redacted())
}

func (h *handlers) server(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.st.Snapshot().Redacted().Server)
	case http.MethodPatch, http.MethodPut:
		var p topology.ServerPatch
		if !decode(w, r, &p) {
			return
		}
		if err := h.st.UpdateServer(r.Context(), p); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, h.st.Snapshot().Redacted().Server)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *handlers) serverConfig(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	text := h.st.ServerConfig()
	if text == "" {
		http.Error(w, "server config not rendered yet", http.StatusNotFound)
		return
	}
	writeText(w, text)
}

func (h *handlers) rotateKeys(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	if err := h.st.RotateServerKeys(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.st.Snapshot().Redacted().Server)
}

func (h *handlers) devices(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.st.Snapshot().Redacted().Devices)
	case http.MethodPost:
		var spec topology.DeviceSpec
		if !decode(w, r, &spec) {
			return
		}
		dev, err := h.st.AddDevice(r.Context(), spec)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, redactDevice(dev))
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *handlers) device(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	switch r.Method {
	case http.MethodGet:
		snap := h.st.Snapshot()
		i := snap.DeviceIndex(id)
		if i < 0 {
			http.Error(w, "device not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, redactDevice(snap.Devices[i]))
	case http.MethodPut:
		var spec topology.DeviceSpec
		if !decode(w, r, &spec) {
			return
		}
		dev, err := h.st.UpdateDevice(r.Context(), id, spec)
		if err != nil {
			if errors.Is(err, model.ErrKeyProvisioningFailed) && dev.ID != "" {
				d := redactDevice(dev)
				writeJSON(w, statusFor(err), ErrorResponse{Error: err.Error(), Device: &d})
				return
			}
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, redactDevice(dev))
	case http.MethodDelete:
		if err := h.st.RemoveDevice(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *handlers) deviceConfig(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	text, err := h.st.DeviceConfig(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeText(w, text)
}

func (h *handlers) drafts(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodDelete) {
		return
	}
	n, err := h.st.RemoveDrafts(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RemovedResponse{Removed: n})
}

func (h *handlers) dns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.st.Snapshot().Network.DNS)
	case http.MethodPatch, http.MethodPut:
		var p topology.DNSPatch
		if !decode(w, r, &p) {
			return
		}
		if err := h.st.UpdateDNS(r.Context(), p); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, h.st.Snapshot().Network.DNS)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *handlers) dnsZone(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	text := h.st.DNSZone()
	if text == "" {
		http.Error(w, "dns zone not rendered yet", http.StatusNotFound)
		return
	}
	writeText(w, text)
}

func (h *handlers) backup(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := h.st.ExportBackup()
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition", `attachment; filename="wirtbot-backup.json"`)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	case http.MethodPost:
		raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBackupSize))
		if err != nil {
			http.Error(w, "backup too large or unreadable", http.StatusRequestEntityTooLarge)
			return
		}
		if err := h.st.ImportBackup(r.Context(), raw); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, h.stateResponse())
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *handlers) resync(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	if err := h.st.Resync(r.Context()); err != nil {
		logging.Warnf("resync: %v", err)
	}
	writeJSON(w, http.StatusAccepted, h.stateResponse())
}

func (h *handlers) alerts(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, h.st.Alerts().List())
}

func (h *handlers) alert(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodDelete) {
		return
	}
	h.st.Alerts().Remove(r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) audit(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	entries, err := h.st.Audit(limitParam(r, 50))
	if err != nil {
		http.Error(w, "failed to list audit", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *handlers) snapshots(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	snaps, err := h.st.Snapshots(limitParam(r, 20))
	if err != nil {
		http.Error(w, "failed to list snapshots", http.StatusInternalServerError)
		return
	}
	out := make([]SnapshotInfo, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, SnapshotInfo{Revision: s.Revision, Version: s.Version, SavedAt: s.SavedAt, Size: len(s.Data)})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) events(w http.ResponseWriter, r *http.Request) {
	hello := WSMessage{Type: "hello", Payload: h.stateResponse()}
	h.hub.HandleEvents(w, r, &hello)
}

// statusFor maps store errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrValidationFailed):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrNoServer):
		return http.StatusConflict
	case errors.Is(err, model.ErrUnmigratableBackup):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrKeyProvisioningFailed):
		return http.StatusServiceUnavailable
	case errors.Is(err, topology.ErrNotRendered):
		return http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logging.Errorf("request failed: %v", err)
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return false
	}
	return true
}

func limitParam(r *http.Request, def int) int {
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 {
		return n
	}
	return def
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warnf("failed to write response: %v", err)
	}
}

func writeText(w http.ResponseWriter, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, text)
}
