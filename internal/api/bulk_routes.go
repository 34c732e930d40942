package api

import (
	"net/http"
	"strconv"

	"github.com/kjannette/trahn-marketdata/internal/models"
	"github.com/kjannette/trahn-marketdata/internal/service"
)

type bulkCollectBody struct {
	Symbols    []string `json:"symbols"`
	Timeframes []string `json:"timeframes"`
	Period     string   `json:"period"`
	Context    string   `json:"context"`
}

// handleBulkCollect runs a collection and returns its report. With
// ?async=true the run continues in the background and the call returns 202;
// the report shows up under /v1/bulk/reports when it finishes.
func (s *Server) handleBulkCollect(w http.ResponseWriter, r *http.Request) {
	var body bulkCollectBody
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(body.Symbols) == 0 || len(body.Timeframes) == 0 {
		writeError(w, http.StatusBadRequest, "symbols and timeframes are required")
		return
	}
	tfs, err := parseTimeframes(body.Timeframes)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	period := models.Period1Year
	if body.Period != "" {
		if period, err = models.ParsePeriod(body.Period); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	req := service.BulkRequest{Symbols: body.Symbols, Timeframes: tfs, Period: period, Context: body.Context}

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		go func() {
			if _, err := s.engine.BulkCollect(s.bg, req); err != nil {
				s.log.Error("async bulk collection failed", "err", err)
			}
		}()
		writeJSON(w, http.StatusAccepted, map[string]any{
			"status":     "started",
			"operations": len(body.Symbols) * len(tfs),
		})
		return
	}

	report, err := s.engine.BulkCollect(r.Context(), req)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleBulkReports(w http.ResponseWriter, r *http.Request) {
	list := s.engine.Reports()
	if list == nil {
		list = []models.BulkReport{}
	}
	if limit := parseLimit(r, len(list)); len(list) > limit {
		list = list[:limit]
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleBulkReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.Report(r.PathValue("id"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type commitBody struct {
	Selection []string `json:"selection"`
}

func (s *Server) handleBulkCommit(w http.ResponseWriter, r *http.Request) {
	var body commitBody
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sum, err := s.engine.Commit(r.Context(), r.PathValue("id"), body.Selection)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleBulkExport(w http.ResponseWriter, r *http.Request) {
	path, rows, err := s.engine.Export(r.PathValue("id"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": path, "rows": rows})
}
