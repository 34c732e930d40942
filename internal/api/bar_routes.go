package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/kjannette/trahn-marketdata/internal/models"
	"github.com/kjannette/trahn-marketdata/internal/service"
)

// handleHistory serves GET /v1/bars/{symbol}?timeframe=1h&period=1 month
// or &start=...&end=..., with optional realtime=true and limit=N (newest N).
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	tf, err := models.ParseTimeframe(q.Get("timeframe"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	window, err := windowFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	realtime, _ := strconv.ParseBool(q.Get("realtime"))

	res, err := s.engine.FetchHistory(r.Context(), service.HistoryQuery{
		Instrument: descriptorFrom(r, r.PathValue("symbol")),
		Timeframe:  tf,
		Window:     window,
		Realtime:   realtime,
	})
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	if limit := parseLimit(r, maxQueryLimit); len(res.Bars) > limit {
		res.Bars = res.Bars[len(res.Bars)-limit:]
		res.Count = len(res.Bars)
	}
	writeJSON(w, http.StatusOK, res)
}

// windowFrom reads period= or start=/end=; neither means the last month.
func windowFrom(r *http.Request) (models.Window, error) {
	q := r.URL.Query()
	if p := q.Get("period"); p != "" {
		period, err := models.ParsePeriod(p)
		if err != nil {
			return models.Window{}, err
		}
		return models.PeriodWindow(period), nil
	}
	if v := q.Get("start"); v != "" {
		start, err := parseTime(v)
		if err != nil {
			return models.Window{}, err
		}
		var end time.Time
		if e := q.Get("end"); e != "" {
			if end, err = parseTime(e); err != nil {
				return models.Window{}, err
			}
		}
		w := models.RangeWindow(start, end)
		return w, w.Validate()
	}
	return models.PeriodWindow(models.Period1Month), nil
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("q")
	if pattern == "" {
		pattern = r.URL.Query().Get("symbol")
	}
	if pattern == "" {
		writeError(w, http.StatusBadRequest, "missing q parameter")
		return
	}

	cands, err := s.engine.Search(r.Context(), pattern, descriptorFrom(r, pattern))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cands)
}

func (s *Server) handleRealtime(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.Realtime(r.Context(), r.PathValue("symbol"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleActiveInstruments(w http.ResponseWriter, r *http.Request) {
	list, err := s.engine.ActiveInstruments(r.Context())
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if list == nil {
		list = []models.Instrument{}
	}
	writeJSON(w, http.StatusOK, list)
}

type setActiveBody struct {
	Active   *bool  `json:"active"`
	SecType  string `json:"secType"`
	Exchange string `json:"exchange"`
	Currency string `json:"currency"`
}

func (s *Server) handleSetActive(w http.ResponseWriter, r *http.Request) {
	var body setActiveBody
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Active == nil {
		writeError(w, http.StatusBadRequest, "body must set \"active\"")
		return
	}

	d := models.InstrumentDescriptor{
		Symbol:   r.PathValue("symbol"),
		SecType:  body.SecType,
		Exchange: body.Exchange,
		Currency: body.Currency,
	}
	inst, err := s.engine.SetActive(r.Context(), d, *body.Active)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}
