package api

import (
	"net/http"
	"time"
)

const defaultValidationWindow = 30 * 24 * time.Hour

// handleValidate serves GET /v1/validate?symbols=AAPL,MSFT&timeframes=1h,1d
// with optional start/end (default: the last 30 days).
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	symbols := splitList(q.Get("symbols"))
	if len(symbols) == 0 {
		writeError(w, http.StatusBadRequest, "missing symbols parameter")
		return
	}
	tfs, err := parseTimeframes(splitList(q.Get("timeframes")))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(tfs) == 0 {
		writeError(w, http.StatusBadRequest, "missing timeframes parameter")
		return
	}

	end := time.Now().UTC()
	if v := q.Get("end"); v != "" {
		if end, err = parseTime(v); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	start := end.Add(-defaultValidationWindow)
	if v := q.Get("start"); v != "" {
		if start, err = parseTime(v); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	out, err := s.engine.Validate(r.Context(), symbols, tfs, start, end)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}
