package mock

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Handler returns the control API router
func (m *MockTransport) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/state", m.handleGetState)
		r.Post("/set", m.handleSetValues)
		r.Post("/fail", m.handleFail)
		r.Post("/duplicate", m.handleDuplicate)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (m *MockTransport) handleGetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, m.State())
}

// handleSetValues takes speed_kmh and cadence_rpm query parameters. A missing one keeps its value.
func (m *MockTransport) handleSetValues(w http.ResponseWriter, r *http.Request) {
	current := m.State()
	speed, cadence := current.SpeedKmh, current.CadenceRPM

	parse := func(name string, dst *float64) bool {
		raw := r.URL.Query().Get(name)
		if raw == "" {
			return true
		}
		val, err := strconv.ParseFloat(raw, 64)
		if err != nil || val < 0 {
			writeError(w, http.StatusBadRequest, "invalid "+name)
			return false
		}
		*dst = val
		return true
	}
	if !parse("speed_kmh", &speed) || !parse("cadence_rpm", &cadence) {
		return
	}

	m.SetValues(speed, cadence)
	writeJSON(w, http.StatusOK, m.State())
}

func (m *MockTransport) handleFail(w http.ResponseWriter, r *http.Request) {
	if err := m.InjectLinkLoss(); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (m *MockTransport) handleDuplicate(w http.ResponseWriter, r *http.Request) {
	if err := m.ResendLast(); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
