// Copyright 2015 Matthew Holt and The Caddy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package admin serves a small, optional control surface alongside the
// FastCGI data-plane listener: liveness, a session snapshot, and
// Prometheus metrics. It is a separate mux a caller opts into, with no
// config-mutation or TLS machinery of its own.
package admin

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fastcgirun/fastcgi"
)

// sessionSource is the subset of *fastcgi.Engine this package depends
// on, so tests can supply a stub instead of a live engine.
type sessionSource interface {
	Sessions() []fastcgi.Diagnostics
}

// NewMux builds the admin HTTP handler for engine. Routes:
//
//	GET /healthz          200 once the mux itself is reachable
//	GET /debug/sessions   JSON array of live session diagnostics
//	GET /metrics          promhttp handler
func NewMux(engine sessionSource) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/debug/sessions", func(w http.ResponseWriter, r *http.Request) {
		sessions := engine.Sessions()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(sessionsResponse(sessions))
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}

type sessionView struct {
	SessionID  string  `json:"session_id"`
	RequestID  uint16  `json:"request_id"`
	Role       string  `json:"role"`
	Remote     string  `json:"remote"`
	AgeSeconds float64 `json:"age_seconds"`
}

func sessionsResponse(sessions []fastcgi.Diagnostics) []sessionView {
	out := make([]sessionView, 0, len(sessions))
	for _, d := range sessions {
		out = append(out, sessionView{
			SessionID:  d.SessionID,
			RequestID:  d.RequestID,
			Role:       d.Role.String(),
			Remote:     d.Remote,
			AgeSeconds: d.Duration.Seconds(),
		})
	}
	return out
}
