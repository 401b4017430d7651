package apiserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/coldbell/custody/backend/internal/config"
	"github.com/coldbell/custody/backend/internal/custody"
	"github.com/coldbell/custody/backend/internal/indexer"
	"github.com/coldbell/custody/backend/internal/policy"
	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
)

const requestIDHeader = "X-Request-ID"

type Service struct {
	cfg              config.APIServerConfig
	logger           *slog.Logger
	store            *indexer.Store
	policy           policy.Policy
	allowAllOrigins  bool
	allowedOriginSet map[string]struct{}
}

func New(cfg config.APIServerConfig, logger *slog.Logger) (*Service, error) {
	store, err := indexer.NewStore(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	svc, err := newService(cfg, logger, store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return svc, nil
}

func newService(cfg config.APIServerConfig, logger *slog.Logger, store *indexer.Store) (*Service, error) {
	p, err := policy.FromConfig(cfg.Policy)
	if err != nil {
		return nil, err
	}

	allowAllOrigins := false
	allowedOriginSet := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			allowAllOrigins = true
			continue
		}
		allowedOriginSet[trimmed] = struct{}{}
	}
	if len(allowedOriginSet) == 0 && !allowAllOrigins {
		allowAllOrigins = true
	}

	return &Service{
		cfg:              cfg,
		logger:           logger,
		store:            store,
		policy:           p,
		allowAllOrigins:  allowAllOrigins,
		allowedOriginSet: allowedOriginSet,
	}, nil
}

func (s *Service) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/v1/records", s.handleRecords)
	mux.HandleFunc("/api/v1/records/", s.handleRecordSubroutes)
	mux.HandleFunc("/api/v1/simulate", s.handleSimulate)
	mux.HandleFunc("/ws", s.handleWebsocket)
	return s.withRequestID(s.withCORS(mux))
}

func (s *Service) Run(ctx context.Context) error {
	defer func() {
		if err := s.store.Close(); err != nil {
			s.logger.Error("failed to close store", "err", err)
		}
	}()

	server := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.routes(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()

	s.logger.Info("api-server started",
		"listen_addr", s.cfg.ListenAddr,
		"db_driver", s.store.Driver(),
		"family", s.policy.Family().String(),
		"signal", s.policy.Signal().String(),
		"allowed_origins", strings.Join(s.cfg.AllowedOrigins, ","),
	)

	select {
	case <-ctx.Done():
		s.logger.Info("api-server stopping")
		if err := server.Shutdown(context.Background()); err != nil {
			return fmt.Errorf("shutdown api-server: %w", err)
		}
		return <-errCh
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen and serve: %w", err)
		}
		return nil
	}
}

type listResponse[T any] struct {
	Items  []T `json:"items"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

type healthResponse struct {
	OK         bool   `json:"ok"`
	LastSlot   uint64 `json:"last_slot"`
	Family     string `json:"family"`
	Signal     string `json:"signal"`
	DBDriver   string `json:"db_driver"`
	ProgramID  string `json:"program_id"`
	RecordSize int    `json:"record_size"`
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	lastSlot, err := s.store.LastSyncedSlot(r.Context())
	if err != nil {
		s.logger.Error("read sync state failed", "err", err)
		s.respondError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	s.respondJSON(w, http.StatusOK, healthResponse{
		OK:         true,
		LastSlot:   lastSlot,
		Family:     s.policy.Family().String(),
		Signal:     s.policy.Signal().String(),
		DBDriver:   s.store.Driver(),
		ProgramID:  s.cfg.ProgramID.String(),
		RecordSize: custody.CoreWidth,
	})
}

func (s *Service) handleRecords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	status := strings.TrimSpace(r.URL.Query().Get("status"))
	if status != "" {
		parsed, err := custody.ParseStatus(status)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		status = parsed.String()
	}
	counterparty := strings.TrimSpace(r.URL.Query().Get("counterparty"))
	if counterparty != "" {
		if _, err := solana.PublicKeyFromBase58(counterparty); err != nil {
			s.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid counterparty: %v", err))
			return
		}
	}
	limit, err := parseOptionalInt(r, "limit", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := parseOptionalInt(r, "offset", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	items, normalizedLimit, normalizedOffset, err := s.store.ListRecords(r.Context(), indexer.RecordFilter{
		Status:       status,
		Counterparty: counterparty,
		Limit:        limit,
		Offset:       offset,
	})
	if err != nil {
		s.logger.Error("list records failed", "err", err, "request_id", requestID(r))
		s.respondError(w, http.StatusInternalServerError, "failed to list records")
		return
	}

	s.respondJSON(w, http.StatusOK, listResponse[indexer.RecordRow]{
		Items:  items,
		Limit:  normalizedLimit,
		Offset: normalizedOffset,
	})
}

// handleRecordSubroutes serves /api/v1/records/{pubkey} and /api/v1/records/{pubkey}/events.
func (s *Service) handleRecordSubroutes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	pubkey, action := splitRecordSubroute(r.URL.Path)
	if pubkey == "" {
		s.respondError(w, http.StatusNotFound, "record not found")
		return
	}
	if _, err := solana.PublicKeyFromBase58(pubkey); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid pubkey: %v", err))
		return
	}

	switch action {
	case "":
		item, err := s.store.GetRecord(r.Context(), pubkey)
		if err != nil {
			if errors.Is(err, indexer.ErrRecordNotFound) {
				s.respondError(w, http.StatusNotFound, "record not found")
				return
			}
			s.logger.Error("get record failed", "pubkey", pubkey, "err", err, "request_id", requestID(r))
			s.respondError(w, http.StatusInternalServerError, "failed to get record")
			return
		}
		s.respondJSON(w, http.StatusOK, item)
	case "events":
		limit, err := parseOptionalInt(r, "limit", 0)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		offset, err := parseOptionalInt(r, "offset", 0)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		items, normalizedLimit, normalizedOffset, err := s.store.ListEvents(r.Context(), indexer.EventFilter{
			Pubkey: pubkey,
			Limit:  limit,
			Offset: offset,
		})
		if err != nil {
			s.logger.Error("list events failed", "pubkey", pubkey, "err", err, "request_id", requestID(r))
			s.respondError(w, http.StatusInternalServerError, "failed to list events")
			return
		}
		s.respondJSON(w, http.StatusOK, listResponse[indexer.EventRow]{
			Items:  items,
			Limit:  normalizedLimit,
			Offset: normalizedOffset,
		})
	default:
		s.respondError(w, http.StatusNotFound, "unknown record route")
	}
}

func splitRecordSubroute(path string) (string, string) {
	trimmed := strings.Trim(strings.TrimPrefix(path, "/api/v1/records/"), "/")
	if trimmed == "" {
		return "", ""
	}
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], parts[1]
}

type requestIDKey struct{}

func (s *Service) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func requestID(r *http.Request) string {
	id, _ := r.Context().Value(requestIDKey{}).(string)
	return id
}

func (s *Service) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" && s.isOriginAllowed(origin) {
			if s.allowAllOrigins {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+requestIDHeader)
			w.Header().Set("Access-Control-Expose-Headers", requestIDHeader)
			w.Header().Set("Access-Control-Max-Age", "300")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Service) isOriginAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	if s.allowAllOrigins {
		return true
	}
	_, ok := s.allowedOriginSet[origin]
	return ok
}

func parseOptionalInt(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}

func decodeJSONBody(r *http.Request, destination any) error {
	if r.Body == nil {
		return fmt.Errorf("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(destination); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	var extra json.RawMessage
	if err := decoder.Decode(&extra); err != io.EOF {
		return fmt.Errorf("invalid request body: multiple JSON values")
	}
	return nil
}

func (s *Service) respondMethodNotAllowed(w http.ResponseWriter) {
	s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (s *Service) respondError(w http.ResponseWriter, code int, message string) {
	s.respondJSON(w, code, errorResponse{Error: message, RequestID: w.Header().Get(requestIDHeader)})
}

func (s *Service) respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to write JSON response", "err", err)
	}
}
