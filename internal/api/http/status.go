package http

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/killfeed/killfeed/internal/logging"
	"github.com/killfeed/killfeed/internal/observability"
	"github.com/killfeed/killfeed/internal/store"
	"github.com/killfeed/killfeed/pkg/types"
)

const maxEvents = 500

// Economy is the read side of the economy used by the API.
type Economy interface {
	Balance(ctx context.Context, playerID string) (*types.PlayerAccount, error)
	ListOpenBounties(ctx context.Context, targetID string) ([]*types.Bounty, error)
	Leaderboard(ctx context.Context, order store.AccountOrder, limit int) ([]*types.PlayerAccount, error)
	History(ctx context.Context, playerID string, limit int) ([]*types.LedgerEntry, error)
}

// Sources is the read side of per-source state.
type Sources interface {
	ListCursors(ctx context.Context) ([]types.LogCursor, error)
	RecentEvents(ctx context.Context, sourceID string, limit int) ([]types.DomainEvent, error)
}

// SourceStatus is one entry of GET /v1/sources.
type SourceStatus struct {
	observability.SourceSnapshot
	Cursor *types.LogCursor `json:"cursor,omitempty"`
}

// PlayerResponse is the body of GET /v1/players/{id}.
type PlayerResponse struct {
	Account *types.PlayerAccount `json:"account"`
	KDR     float64              `json:"kdr"`
	Ledger  []*types.LedgerEntry `json:"ledger"`
}

// Server serves the status API.
type Server struct {
	economy Economy
	sources Sources
	stats   *observability.Stats
	started time.Time
	logger  *slog.Logger
}

// NewServer creates a status API server.
func NewServer(economy Economy, sources Sources, stats *observability.Stats, logger *slog.Logger) *Server {
	return &Server{
		economy: economy,
		sources: sources,
		stats:   stats,
		started: time.Now(),
		logger:  logging.Component(logger, "http"),
	}
}

// Router returns the routed handler with middleware applied.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(RecoveryMiddleware(s.logger))
	r.Use(RequestIDMiddleware)
	r.Use(AccessLogMiddleware(s.logger))

	r.Get("/health", s.health)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/sources", s.listSources)
		r.Get("/sources/{id}/events", s.events)
		r.Get("/players/{id}", s.player)
		r.Get("/bounties", s.bounties)
		r.Get("/leaderboard", s.leaderboard)
	})
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) listSources(w http.ResponseWriter, r *http.Request) {
	cursors, err := s.sources.ListCursors(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	byID := make(map[string]types.LogCursor, len(cursors))
	for _, c := range cursors {
		byID[c.SourceID] = c
	}

	out := []SourceStatus{}
	for _, snap := range s.stats.All() {
		st := SourceStatus{SourceSnapshot: snap}
		if c, ok := byID[snap.SourceID]; ok {
			st.Cursor = &c
		}
		out = append(out, st)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	events, err := s.sources.RecentEvents(r.Context(), chi.URLParam(r, "id"), min(queryInt(r, "limit", 50), maxEvents))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if events == nil {
		events = []types.DomainEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) player(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	acct, err := s.economy.Balance(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	ledger, err := s.economy.History(r.Context(), id, queryInt(r, "ledger", 20))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if ledger == nil {
		ledger = []*types.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, PlayerResponse{Account: acct, KDR: acct.Stats.KDR(), Ledger: ledger})
}

func (s *Server) bounties(w http.ResponseWriter, r *http.Request) {
	list, err := s.economy.ListOpenBounties(r.Context(), r.URL.Query().Get("target"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if list == nil {
		list = []*types.Bounty{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) leaderboard(w http.ResponseWriter, r *http.Request) {
	order, ok := store.ParseAccountOrder(r.URL.Query().Get("by"))
	if !ok {
		writeError(w, http.StatusBadRequest, "by must be one of kills, kdr, balance, streak", "INVALID_ARGUMENT", GetRequestID(r.Context()))
		return
	}
	board, err := s.economy.Leaderboard(r.Context(), order, queryInt(r, "limit", 10))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if board == nil {
		board = []*types.PlayerAccount{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"by": order, "players": board})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
