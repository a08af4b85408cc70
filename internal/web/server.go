package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"plantwatch/internal/alerts"
	"plantwatch/internal/control"
	"plantwatch/internal/db"
	"plantwatch/internal/ledger"
	"plantwatch/internal/models"
	"plantwatch/internal/monitor"
	"plantwatch/internal/notifier"
	"plantwatch/internal/thresholds"
)

// Pinger is checked by /readyz.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	thresholds *thresholds.Store
	engine     *alerts.Engine
	ledger     *ledger.Ledger
	session    *monitor.Session
	gateway    *control.Gateway
	repo       *db.Repository
	notify     *notifier.Telegram
	stores     []Pinger
	log        *slog.Logger
}

type Deps struct {
	Thresholds *thresholds.Store
	Engine     *alerts.Engine
	Ledger     *ledger.Ledger
	Session    *monitor.Session
	Gateway    *control.Gateway
	Repo       *db.Repository
	Telegram   *notifier.Telegram
	Stores     []Pinger
}

func NewServer(d Deps, logger *slog.Logger) *Server {
	return &Server{
		thresholds: d.Thresholds,
		engine:     d.Engine,
		ledger:     d.Ledger,
		session:    d.Session,
		gateway:    d.Gateway,
		repo:       d.Repo,
		notify:     d.Telegram,
		stores:     d.Stores,
		log:        logger,
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(logMiddleware(s.log))
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/thresholds", s.handleGetThresholds)
		r.Put("/thresholds", s.handlePutThresholds)
		r.Post("/thresholds/validate", s.handleValidateThreshold)

		r.Get("/alerts", s.handleListAlerts)
		r.Delete("/alerts/{key}", s.handleDismissAlert)

		r.Get("/devices/current", s.handleCurrentDevice)
		r.Put("/devices/current", s.handleSelectDevice)
		r.Route("/devices/{id}", func(r chi.Router) {
			r.Get("/status", s.handleDeviceStatus)
			r.Get("/production", s.handleProduction)
			r.Get("/production/yesterday", s.handleYesterday)
			r.Get("/alerts/history", s.handleAlertHistory)
			r.Get("/commands", s.handleCommandHistory)
			r.Post("/commands", s.handleSendCommand)
		})

		r.Put("/settings/telegram", s.handleSettingsTelegram)
		r.Post("/notifications/test", s.handleTestTelegram)
	})

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	return r
}

func (s *Server) handleGetThresholds(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.thresholds.Snapshot())
}

func (s *Server) handlePutThresholds(w http.ResponseWriter, r *http.Request) {
	var set models.ThresholdSet
	if err := decodeJSON(w, r, &set); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.thresholds.Commit(r.Context(), set); err != nil {
		s.writeValidation(w, err)
		return
	}
	s.log.Info("thresholds committed", "metrics", len(set))
	writeJSON(w, http.StatusOK, s.thresholds.Snapshot())
}

func (s *Server) handleValidateThreshold(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Metric string `json:"metric"`
		Field  string `json:"field"`
		Value  string `json:"value"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	field, ok := thresholds.ParseField(req.Field)
	if !ok {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"errors": map[string]string{req.Metric + "." + req.Field: "unknown field"}})
		return
	}
	v, err := s.thresholds.ProposeUpdate(models.Metric(strings.ToLower(strings.TrimSpace(req.Metric))), field, req.Value)
	if err != nil {
		s.writeValidation(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"value": v})
}

func (s *Server) writeValidation(w http.ResponseWriter, err error) {
	var verr *thresholds.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"errors": verr.Fields})
		return
	}
	s.log.Error("threshold update", "err", err)
	writeError(w, http.StatusInternalServerError, err.Error())
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, s.engine.Aggregator().List(limit))
}

func (s *Server) handleDismissAlert(w http.ResponseWriter, r *http.Request) {
	raw, err := url.PathUnescape(chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	key, err := models.ParseAlertKey(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.engine.Aggregator().Dismiss(key) {
		writeError(w, http.StatusNotFound, "alert not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCurrentDevice(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.session.Status())
}

func (s *Server) handleSelectDevice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceID string `json:"deviceId"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.session.Select(req.DeviceID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.session.Status())
}

func (s *Server) handleDeviceStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Status(chi.URLParam(r, "id")))
}

func (s *Server) handleProduction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if p, ok := s.ledger.Snapshot(id); ok {
		writeJSON(w, http.StatusOK, p)
		return
	}
	p, err := s.ledger.Load(r.Context(), id)
	if err != nil {
		s.log.Error("load production", "device_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleYesterday(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, err := s.ledger.LoadYesterday(r.Context(), id)
	if err != nil {
		s.log.Error("load yesterday", "device_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func queryLimit(r *http.Request, def int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func (s *Server) handleAlertHistory(w http.ResponseWriter, r *http.Request) {
	events, err := s.repo.RecentAlertEvents(r.Context(), chi.URLParam(r, "id"), queryLimit(r, 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleCommandHistory(w http.ResponseWriter, r *http.Request) {
	events, err := s.repo.RecentCommandEvents(r.Context(), chi.URLParam(r, "id"), queryLimit(r, 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleSendCommand(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action     string         `json:"action"`
		Parameters map[string]any `json:"parameters"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cmd, err := s.gateway.Send(r.Context(), chi.URLParam(r, "id"), req.Action, req.Parameters)
	var derr *control.DeliveryError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "command": cmd})
	case errors.Is(err, control.ErrInFlight):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, control.ErrInvalidCommand):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &derr):
		failures := make(map[string]string, len(derr.Failures))
		for _, f := range derr.Failures {
			failures[f.Channel] = f.Err.Error()
		}
		writeJSON(w, http.StatusBadGateway, map[string]any{"success": false, "error": err.Error(), "requestId": derr.RequestID, "failures": failures})
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleSettingsTelegram(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token  string `json:"token"`
		ChatID string `json:"chatId"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	token, chatID := strings.TrimSpace(req.Token), strings.TrimSpace(req.ChatID)
	if err := s.repo.SaveTelegramSettings(r.Context(), token, chatID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.notify.Update(token, chatID)
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": s.notify.Enabled()})
}

func (s *Server) handleTestTelegram(w http.ResponseWriter, r *http.Request) {
	if err := s.notify.Send(r.Context(), "plantwatch test alert: Telegram integration is working"); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	for _, p := range s.stores {
		if err := p.Ping(r.Context()); err != nil {
			http.Error(w, "store not ready", http.StatusServiceUnavailable)
			return
		}
	}
	if !s.session.Connected() {
		http.Error(w, "ingest not connected", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid JSON body: " + err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
