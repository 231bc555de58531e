package api

import "github.com/mattjoyce/callbackd/internal/events"

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Workers       int    `json:"workers"`
}

// StatsResponse is returned by GET /stats.
type StatsResponse struct {
	Pending   int `json:"pending"`
	Handling  int `json:"handling"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

// NoticesResponse is returned by GET /events for non-streaming clients.
type NoticesResponse struct {
	Notices []events.Notice `json:"notices"`
}
