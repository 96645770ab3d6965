package api

import (
	"time"

	"wirtbot/pkg/model"
	"wirtbot/pkg/topology"
)

// StateResponse summarizes the controller for dashboards and health checks.
type StateResponse struct {
	State    topology.State `json:"state"`
	Revision uint64         `json:"revision"`
	Version  string         `json:"version"`
	Schema   string         `json:"schema"`
	Build    string         `json:"build"`
	Devices  int            `json:"devices"`
}

// SnapshotInfo describes a persisted snapshot without its payload.
type SnapshotInfo struct {
	Revision uint64    `json:"revision"`
	Version  string    `json:"version"`
	SavedAt  time.Time `json:"savedAt"`
	Size     int       `json:"size"`
}

// RemovedResponse answers draft cleanup.
type RemovedResponse struct {
	Removed int `json:"removed"`
}

// ErrorResponse is the body of every failed API call.
type ErrorResponse struct {
	Error string `json:"error"`
	// Device carries the stored device when an edit was applied but its keys
	// could not be generated.
	Device *model.Device `json:"device,omitempty"`
}

func redactDevice(d model.Device) model.Device {
	c := d.Clone()
	if c.Keys != nil {
		c.Keys.Private = ""
	}
	return c
}
