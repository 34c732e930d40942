package api

import (
	"context"
	"net/http"
	"sort"
	"time"
)

type healthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Services  map[string]string `json:"services"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	names := make([]string, 0, len(s.probes))
	for n := range s.probes {
		names = append(names, n)
	}
	sort.Strings(names)

	status := "ok"
	services := make(map[string]string, len(names))
	for _, n := range names {
		if err := s.probes[n](ctx); err != nil {
			services[n] = "disconnected"
			status = "degraded"
			continue
		}
		services[n] = "connected"
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Services:  services,
	})
}
