package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"gasmeter/internal/host"
	"gasmeter/internal/integration"
	"gasmeter/internal/models"
	"gasmeter/internal/setup"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Manager is the configuration flow behind the forms.
type Manager interface {
	Record() *models.Record
	States() host.StateStore
	Configure(ctx context.Context, rec *models.Record) error
	Reconfigure(ctx context.Context, rec *models.Record) error
}

type Server struct {
	server   *http.Server
	manager  Manager
	recordID string
	gatherer prometheus.Gatherer
	logger   *logrus.Logger
}

func NewServer(addr, recordID string, manager Manager, gatherer prometheus.Gatherer, logger *logrus.Logger) *Server {
	s := &Server{
		manager:  manager,
		recordID: recordID,
		gatherer: gatherer,
		logger:   logger,
	}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /setup", s.handleSetupForm)
	mux.HandleFunc("POST /setup", s.handleSetupSubmit)
	mux.HandleFunc("GET /options", s.handleOptionsForm)
	mux.HandleFunc("POST /options", s.handleOptionsSubmit)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

func (s *Server) Start(ctx context.Context) error {
	s.logger.Infof("Starting HTTP server on %s", s.server.Addr)

	go func() {
		<-ctx.Done()
		s.logger.Info("Shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

func (s *Server) handleSetupForm(w http.ResponseWriter, r *http.Request) {
	if s.manager.Record() != nil {
		writeJSON(w, http.StatusConflict, errorBody("already_configured"))
		return
	}
	writeJSON(w, http.StatusOK, setup.UserForm())
}

func (s *Server) handleSetupSubmit(w http.ResponseWriter, r *http.Request) {
	raw, err := readInput(r)
	if err != nil {
		s.inputError(w, setup.UserForm(), err)
		return
	}
	rec, err := setup.Submit(s.recordID, raw)
	if err != nil {
		s.formError(w, setup.UserForm(), err)
		return
	}
	if err := s.manager.Configure(r.Context(), rec); err != nil {
		if errors.Is(err, integration.ErrAlreadyConfigured) {
			writeJSON(w, http.StatusConflict, errorBody("already_configured"))
			return
		}
		s.logger.Errorf("Setup failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorBody("unknown"))
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleOptionsForm(w http.ResponseWriter, r *http.Request) {
	rec := s.manager.Record()
	if rec == nil {
		writeJSON(w, http.StatusNotFound, errorBody("not_configured"))
		return
	}
	writeJSON(w, http.StatusOK, setup.OptionsForm(rec, s.manager.States()))
}

func (s *Server) handleOptionsSubmit(w http.ResponseWriter, r *http.Request) {
	rec := s.manager.Record()
	if rec == nil {
		writeJSON(w, http.StatusNotFound, errorBody("not_configured"))
		return
	}
	raw, err := readInput(r)
	if err != nil {
		s.inputError(w, setup.OptionsForm(rec, s.manager.States()), err)
		return
	}
	next, err := setup.SubmitOptions(rec, raw)
	if err != nil {
		s.formError(w, setup.OptionsForm(rec, s.manager.States()), err)
		return
	}
	if err := s.manager.Reconfigure(r.Context(), next); err != nil {
		s.logger.Errorf("Reconfiguration failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorBody("unknown"))
		return
	}
	writeJSON(w, http.StatusOK, next)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "waiting_for_setup"
	if s.manager.Record() != nil {
		status = "ok"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (s *Server) formError(w http.ResponseWriter, form setup.Form, err error) {
	var formErr *setup.FormError
	if !errors.As(err, &formErr) {
		s.logger.Errorf("Form submission failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorBody("unknown"))
		return
	}
	s.logger.Debugf("Rejected form: %v", err)
	form.Errors = map[string]string{"base": formErr.Base}
	writeJSON(w, http.StatusBadRequest, form)
}

// inputError answers an unreadable body with invalid_request and a field of
// the wrong type with the form error.
func (s *Server) inputError(w http.ResponseWriter, form setup.Form, err error) {
	var formErr *setup.FormError
	if errors.As(err, &formErr) {
		s.formError(w, form, err)
		return
	}
	s.logger.Debugf("Unreadable form body: %v", err)
	writeJSON(w, http.StatusBadRequest, errorBody("invalid_request"))
}

// readInput accepts a JSON object of strings or numbers, or url-encoded form
// values.
func readInput(r *http.Request) (map[string]string, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return nil, err
		}
		raw := make(map[string]string, len(body))
		for k, v := range body {
			switch v := v.(type) {
			case string:
				raw[k] = v
			case float64:
				raw[k] = fmt.Sprint(v)
			case nil:
			default:
				return nil, setup.NewFormError(setup.ErrorInvalidNumber, fmt.Errorf("unsupported value for %s: %v", k, v))
			}
		}
		return raw, nil
	}

	if err := r.ParseForm(); err != nil {
		return nil, err
	}
	raw := make(map[string]string, len(r.PostForm))
	for k := range r.PostForm {
		raw[k] = r.PostForm.Get(k)
	}
	return raw, nil
}

func errorBody(base string) map[string]map[string]string {
	return map[string]map[string]string{"errors": {"base": base}}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
