package api

import (
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/contest-engine/internal/contest"
)

// --- Request/Response types ---

// InitializeRequest is the JSON body for POST /admin/init.
type InitializeRequest struct {
	FeePercent      uint8  `json:"fee_percent"`
	SettlementAsset string `json:"settlement_asset"`
}

// WithdrawFeeRequest is the JSON body for POST /admin/withdraw-fee. An
// empty destination pays the caller.
type WithdrawFeeRequest struct {
	Destination string `json:"destination"`
}

// WithdrawFeeResponse reports the amount paid out.
type WithdrawFeeResponse struct {
	Destination string          `json:"destination"`
	Amount      decimal.Decimal `json:"amount"`
}

// CreateContestRequest is the JSON body for POST /contests. EntryFee is in
// token units.
type CreateContestRequest struct {
	StartTime        time.Time       `json:"start_time"`
	EndTime          time.Time       `json:"end_time"`
	EntryFee         decimal.Decimal `json:"entry_fee"`
	MaxEntries       uint32          `json:"max_entries"`
	Assets           []string        `json:"assets"`
	RewardAllocation []int           `json:"reward_allocation"`
}

// EnterRequest is the JSON body for POST /contests/{id}/entries.
type EnterRequest struct {
	CreditAllocation []int `json:"credit_allocation"`
}

// --- Admin ---

// Initialize handles POST /api/v1/admin/init
func (s *Server) Initialize(w http.ResponseWriter, r *http.Request) {
	var req InitializeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	cfg, err := s.engine.Initialize(r.Context(), s.caller(r), req.FeePercent, req.SettlementAsset)
	if err != nil {
		s.writeEngineError(w, r, "initialize", err)
		return
	}
	writeJSON(w, http.StatusCreated, cfg)
}

// WithdrawFee handles POST /api/v1/admin/withdraw-fee
func (s *Server) WithdrawFee(w http.ResponseWriter, r *http.Request) {
	var req WithdrawFeeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Destination == "" {
		req.Destination = s.caller(r)
	}
	amount, err := s.engine.WithdrawFee(r.Context(), s.caller(r), req.Destination)
	if err != nil {
		s.writeEngineError(w, r, "withdraw fee", err)
		return
	}
	resp := WithdrawFeeResponse{Destination: req.Destination, Amount: s.units.Amount(amount)}
	if amount > 0 {
		s.publish(EventFeeWithdrawn, nil, resp)
	}
	writeJSON(w, http.StatusOK, resp)
}

// DelegateResolve handles POST /api/v1/admin/contests/{id}/delegate
// Resolves the contest on the secondary venue.
func (s *Server) DelegateResolve(w http.ResponseWriter, r *http.Request) {
	id, ok := contestID(w, r)
	if !ok {
		return
	}
	if s.venue == nil {
		writeError(w, "no resolution venue configured", http.StatusServiceUnavailable)
		return
	}
	c, err := s.venue.Resolve(r.Context(), s.caller(r), id)
	if err != nil {
		s.writeEngineError(w, r, "delegated resolve", err)
		return
	}
	view := s.units.contest(c, s.engine.Now())
	s.publish(EventContestResolved, &c.ID, view)
	writeJSON(w, http.StatusOK, view)
}

// RevokeDelegation handles DELETE /api/v1/admin/contests/{id}/delegate
func (s *Server) RevokeDelegation(w http.ResponseWriter, r *http.Request) {
	id, ok := contestID(w, r)
	if !ok {
		return
	}
	if err := s.engine.Undelegate(r.Context(), s.caller(r), id); err != nil {
		s.writeEngineError(w, r, "undelegate", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Reads ---

// GetMetadata handles GET /api/v1/metadata
func (s *Server) GetMetadata(w http.ResponseWriter, r *http.Request) {
	meta, err := s.engine.Metadata(r.Context())
	if err != nil {
		s.writeEngineError(w, r, "metadata", err)
		return
	}
	writeJSON(w, http.StatusOK, s.units.metadata(meta))
}

// ListContests handles GET /api/v1/contests
// Optional ?stage= filters by lifecycle stage.
func (s *Server) ListContests(w http.ResponseWriter, r *http.Request) {
	contests, err := s.engine.Contests(r.Context())
	if err != nil {
		s.writeEngineError(w, r, "list contests", err)
		return
	}
	stage := r.URL.Query().Get("stage")
	now := s.engine.Now()
	views := make([]ContestView, 0, len(contests))
	for i := range contests {
		v := s.units.contest(&contests[i], now)
		if stage != "" && v.Stage.String() != stage {
			continue
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, views)
}

// GetContest handles GET /api/v1/contests/{id}
func (s *Server) GetContest(w http.ResponseWriter, r *http.Request) {
	id, ok := contestID(w, r)
	if !ok {
		return
	}
	c, err := s.engine.Contest(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, r, "get contest", err)
		return
	}
	writeJSON(w, http.StatusOK, s.units.contest(c, s.engine.Now()))
}

// ListEntries handles GET /api/v1/contests/{id}/entries
func (s *Server) ListEntries(w http.ResponseWriter, r *http.Request) {
	id, ok := contestID(w, r)
	if !ok {
		return
	}
	entries, err := s.engine.Entries(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, r, "list entries", err)
		return
	}
	views := make([]EntryView, len(entries))
	for i := range entries {
		views[i] = s.units.entry(&entries[i])
	}
	writeJSON(w, http.StatusOK, views)
}

// GetMyEntry handles GET /api/v1/contests/{id}/entries/me
func (s *Server) GetMyEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := contestID(w, r)
	if !ok {
		return
	}
	e, err := s.engine.Entry(r.Context(), id, s.caller(r))
	if err != nil {
		s.writeEngineError(w, r, "get entry", err)
		return
	}
	writeJSON(w, http.StatusOK, s.units.entry(e))
}

// GetLeaderboard handles GET /api/v1/contests/{id}/leaderboard
func (s *Server) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	id, ok := contestID(w, r)
	if !ok {
		return
	}
	if v, ok := s.cache.get(id); ok {
		writeJSON(w, http.StatusOK, v)
		return
	}
	lb, err := s.engine.Leaderboard(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, r, "leaderboard", err)
		return
	}
	view := s.units.leaderboard(lb)
	if !lb.Provisional {
		s.cache.put(id, &view)
	}
	writeJSON(w, http.StatusOK, view)
}

// --- Contest lifecycle ---

// CreateContest handles POST /api/v1/contests
func (s *Server) CreateContest(w http.ResponseWriter, r *http.Request) {
	var req CreateContestRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	fee, err := s.units.Base(req.EntryFee)
	if err != nil {
		writeError(w, "entry_fee: "+err.Error(), http.StatusBadRequest)
		return
	}
	alloc, err := uint8s(req.RewardAllocation)
	if err != nil {
		writeError(w, "reward_allocation: "+err.Error(), http.StatusBadRequest)
		return
	}

	c, err := s.engine.CreateContest(r.Context(), s.caller(r), contest.ContestParams{
		StartTime:        req.StartTime,
		EndTime:          req.EndTime,
		EntryFee:         fee,
		MaxEntries:       req.MaxEntries,
		Assets:           req.Assets,
		RewardAllocation: alloc,
	})
	if err != nil {
		s.writeEngineError(w, r, "create contest", err)
		return
	}
	view := s.units.contest(c, s.engine.Now())
	s.publish(EventContestCreated, &c.ID, view)
	writeJSON(w, http.StatusCreated, view)
}

// EnterContest handles POST /api/v1/contests/{id}/entries
func (s *Server) EnterContest(w http.ResponseWriter, r *http.Request) {
	id, ok := contestID(w, r)
	if !ok {
		return
	}
	var req EnterRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	alloc, err := uint8s(req.CreditAllocation)
	if err != nil {
		writeError(w, "credit_allocation: "+err.Error(), http.StatusBadRequest)
		return
	}

	e, err := s.engine.Enter(r.Context(), s.caller(r), id, alloc)
	if err != nil {
		s.writeEngineError(w, r, "enter contest", err)
		return
	}
	view := s.units.entry(e)
	s.publish(EventEntryCreated, &id, view)
	writeJSON(w, http.StatusCreated, view)
}

// LockPrices handles POST /api/v1/contests/{id}/lock
func (s *Server) LockPrices(w http.ResponseWriter, r *http.Request) {
	id, ok := contestID(w, r)
	if !ok {
		return
	}
	c, err := s.engine.LockPrices(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, r, "lock prices", err)
		return
	}
	view := s.units.contest(c, s.engine.Now())
	s.publish(EventPricesLocked, &id, view)
	writeJSON(w, http.StatusOK, view)
}

// ResolveContest handles POST /api/v1/contests/{id}/resolve
func (s *Server) ResolveContest(w http.ResponseWriter, r *http.Request) {
	id, ok := contestID(w, r)
	if !ok {
		return
	}
	c, err := s.engine.Resolve(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, r, "resolve contest", err)
		return
	}
	view := s.units.contest(c, s.engine.Now())
	s.publish(EventContestResolved, &id, view)
	writeJSON(w, http.StatusOK, view)
}

// ClaimReward handles POST /api/v1/contests/{id}/claim
func (s *Server) ClaimReward(w http.ResponseWriter, r *http.Request) {
	id, ok := contestID(w, r)
	if !ok {
		return
	}
	e, err := s.engine.Claim(r.Context(), s.caller(r), id)
	if err != nil {
		s.writeEngineError(w, r, "claim", err)
		return
	}
	s.cache.invalidate(id)

	view := s.units.entry(e)
	s.publish(EventRewardClaimed, &id, view)
	writeJSON(w, http.StatusOK, view)
}
