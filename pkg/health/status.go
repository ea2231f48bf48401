// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/absmach/mongoproxy/pkg/ledger"
)

// DefaultStatusLimit caps the records returned by /status without ?limit=.
const DefaultStatusLimit = 100

// SessionCounter reports the number of live relay sessions.
type SessionCounter interface {
	Count() int
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	ActiveSessions int             `json:"active_sessions"`
	Records        []ledger.Record `json:"records"`
}

// StatusHandler serves read-only ledger queries:
//
//	GET /status            most recently seen records, ?limit=N (0 for all)
//	GET /status?ip=1.2.3.4 the record of one address, 404 if never seen
func StatusHandler(l ledger.Ledger, sessions SessionCounter, logger *slog.Logger) http.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		}

		q := r.URL.Query()
		if ip := q.Get("ip"); ip != "" {
			rec, err := l.Get(r.Context(), ip)
			switch {
			case errors.Is(err, ledger.ErrNotFound):
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "no record for " + ip})
			case err != nil:
				logger.Warn("status lookup failed", slog.String("source_ip", ip), slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "ledger unavailable"})
			default:
				writeJSON(w, http.StatusOK, rec)
			}
			return
		}

		limit := DefaultStatusLimit
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer"})
				return
			}
			limit = n
		}

		records, err := l.List(r.Context(), limit)
		if err != nil {
			logger.Warn("status listing failed", slog.String("error", err.Error()))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "ledger unavailable"})
			return
		}
		if records == nil {
			records = []ledger.Record{}
		}

		resp := StatusResponse{Records: records}
		if sessions != nil {
			resp.ActiveSessions = sessions.Count()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// NewMux routes the status and health endpoints.
func NewMux(c *Checker, status http.HandlerFunc) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", status)
	mux.HandleFunc("/health", c.HTTPHandler())
	mux.HandleFunc("/ready", c.ReadinessHandler())
	mux.HandleFunc("/live", LivenessHandler())
	return mux
}
