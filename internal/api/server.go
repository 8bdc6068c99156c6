// Package api exposes the contest engine over HTTP and pushes contest
// events to WebSocket clients.
package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/atmx/contest-engine/internal/contest"
	"github.com/atmx/contest-engine/internal/keeper"
	"github.com/atmx/contest-engine/internal/model"
)

// VenueResolver resolves a contest through delegation. venue.Venue
// satisfies it.
type VenueResolver interface {
	ID() string
	Resolve(ctx context.Context, caller string, contestID uint64) (*model.Contest, error)
}

// Options tunes a Server.
type Options struct {
	Decimals             int32
	LeaderboardCacheSize int
}

// Server holds the HTTP handlers.
type Server struct {
	engine *contest.Engine
	venue  VenueResolver
	auth   *Authenticator
	hub    *WSHub
	cache  *leaderboardCache
	units  Units
	logger *zap.Logger
}

// NewServer wires the handlers. venue and hub may be nil.
func NewServer(engine *contest.Engine, venue VenueResolver, auth *Authenticator, hub *WSHub, opts Options, logger *zap.Logger) (*Server, error) {
	cache, err := newLeaderboardCache(opts.LeaderboardCacheSize)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		engine: engine,
		venue:  venue,
		auth:   auth,
		hub:    hub,
		cache:  cache,
		units:  Units{Decimals: opts.Decimals},
		logger: logger.Named("api"),
	}, nil
}

// Mount registers the API routes on r, normally the /api/v1 subrouter.
func (s *Server) Mount(r chi.Router) {
	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}

	// Public reads.
	r.Get("/metadata", s.GetMetadata)
	r.Get("/contests", s.ListContests)
	r.Get("/contests/{id}", s.GetContest)
	r.Get("/contests/{id}/entries", s.ListEntries)
	r.Get("/contests/{id}/leaderboard", s.GetLeaderboard)

	r.Group(func(r chi.Router) {
		r.Use(s.auth.RequireAuth)

		r.Post("/contests", s.CreateContest)
		r.Post("/contests/{id}/entries", s.EnterContest)
		r.Get("/contests/{id}/entries/me", s.GetMyEntry)
		r.Post("/contests/{id}/lock", s.LockPrices)
		r.Post("/contests/{id}/resolve", s.ResolveContest)
		r.Post("/contests/{id}/claim", s.ClaimReward)

		r.Route("/admin", func(r chi.Router) {
			r.Use(RequireAdmin)
			r.Post("/init", s.Initialize)
			r.Post("/withdraw-fee", s.WithdrawFee)
			r.Post("/contests/{id}/delegate", s.DelegateResolve)
			r.Delete("/contests/{id}/delegate", s.RevokeDelegation)
		})
	})
}

// OnKeeperChange publishes keeper-driven lock and resolve events. It
// satisfies keeper.Listener.
func (s *Server) OnKeeperChange(action string, c *model.Contest) {
	switch action {
	case keeper.ActionLock:
		s.publish(EventPricesLocked, &c.ID, s.units.contest(c, s.engine.Now()))
	case keeper.ActionResolve:
		s.publish(EventContestResolved, &c.ID, s.units.contest(c, s.engine.Now()))
	}
}

func (s *Server) publish(typ string, contestID *uint64, data any) {
	if s.hub != nil {
		s.hub.Publish(typ, contestID, data)
	}
}

func (s *Server) caller(r *http.Request) string {
	id, _ := IdentityFrom(r.Context())
	return id.Subject
}

func (s *Server) requestFields(r *http.Request, err error) []zap.Field {
	return []zap.Field{
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.String("caller", s.caller(r)),
		zap.Error(err),
	}
}

// contestID parses the {id} URL parameter, writing a 400 on failure.
func contestID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, "invalid contest id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}
