package api

import (
	"github.com/mattjoyce/exthost/internal/extension"
	"github.com/mattjoyce/exthost/internal/journal"
	"github.com/mattjoyce/exthost/internal/loader"
)

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Extensions    int    `json:"extensions"`
	Active        int    `json:"active"`
	Errored       int    `json:"errored"`
}

// ExtensionResponse is one extension with its live activation, if any.
type ExtensionResponse struct {
	extension.Metadata
	Activation *loader.ContextInfo `json:"activation,omitempty"`
}

// IDListResponse carries an ordered list of extension ids.
type IDListResponse struct {
	ID  string   `json:"id,omitempty"`
	IDs []string `json:"ids"`
}

// LifecycleResponse is returned by POST /extensions/{id}/{action}.
type LifecycleResponse struct {
	ID     string          `json:"id"`
	Action string          `json:"action"`
	State  extension.State `json:"state,omitempty"`
}

// HistoryResponse is returned by GET /extensions/{id}/history.
type HistoryResponse struct {
	ID     string          `json:"id"`
	Events []journal.Entry `json:"events"`
}
