package api

import (
	"net/http"
	"time"

	"github.com/kjannette/trahn-marketdata/internal/marketdata"
)

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleSchedulerStartAll(w http.ResponseWriter, r *http.Request) {
	s.engine.StartAll()
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleSchedulerStopAll(w http.ResponseWriter, r *http.Request) {
	s.engine.StopAll()
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleJobStart(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.StartJob(r.PathValue("name")); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleJobStop(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.StopJob(r.PathValue("name")); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Status())
}

// handleJobRun runs a job once in the request. The job's own error is reported
// in the body, not as a failed request.
func (s *Server) handleJobRun(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	start := time.Now()
	err := s.engine.RunJob(r.Context(), name)

	resp := map[string]any{"job": name, "took": time.Since(start).Round(time.Millisecond).String()}
	if err != nil {
		if marketdata.KindOf(err) == marketdata.KindInvalidRequest {
			s.writeFailure(w, r, err)
			return
		}
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

type intervalBody struct {
	Interval string `json:"interval"`
	Minutes  int    `json:"minutes"`
}

func (s *Server) handleJobInterval(w http.ResponseWriter, r *http.Request) {
	var body intervalBody
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var d time.Duration
	switch {
	case body.Interval != "":
		var err error
		if d, err = time.ParseDuration(body.Interval); err != nil {
			writeError(w, http.StatusBadRequest, "invalid interval: "+err.Error())
			return
		}
	case body.Minutes > 0:
		d = time.Duration(body.Minutes) * time.Minute
	default:
		writeError(w, http.StatusBadRequest, "body must set interval or minutes")
		return
	}

	if err := s.engine.SetJobInterval(r.PathValue("name"), d); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleKeepAlive(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.KeepAliveStatus()
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type profileBody struct {
	Profile *string `json:"profile"`
	Check   bool    `json:"check"`
}

// handleKeepAliveProfile switches the profile; {"profile": ""} pauses checks.
func (s *Server) handleKeepAliveProfile(w http.ResponseWriter, r *http.Request) {
	var body profileBody
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Profile == nil {
		writeError(w, http.StatusBadRequest, "body must set profile")
		return
	}

	st, err := s.engine.SetKeepAliveProfile(r.Context(), *body.Profile, body.Check)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
