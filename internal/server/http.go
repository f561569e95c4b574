package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"SettleHub/internal/attest"
	"SettleHub/internal/message"
	"SettleHub/internal/node"
	"SettleHub/internal/observability"
	"SettleHub/internal/query"
	"SettleHub/internal/relay"
)

// Service is the HTTP/JSON surface of a settlement node. Live state reads
// and all commands go through the node's command loop; historical reads
// go to the persisted tables via the query service.
type Service struct {
	loop    *node.Loop
	queries *query.QueryService
	health  *observability.HealthChecker
}

// NewService builds the HTTP handler. queries may be nil when the node
// runs without Postgres (history endpoints then return 503).
func NewService(loop *node.Loop, queries *query.QueryService, health *observability.HealthChecker) http.Handler {
	s := &Service{loop: loop, queries: queries, health: health}
	mux := http.NewServeMux()

	// Live node state
	mux.HandleFunc("/v1/status", s.handleStatus)
	mux.HandleFunc("/v1/chains", s.handleChains)
	mux.HandleFunc("/v1/aggregates", s.handleAggregate)
	mux.HandleFunc("/v1/snapshots", s.handleSnapshot)
	mux.HandleFunc("/v1/messages", s.handleMessage)
	mux.HandleFunc("/v1/rebalances", s.handleRebalance)

	// Commands
	mux.HandleFunc("/v1/collateral/lock", s.handleLockCollateral)
	mux.HandleFunc("/v1/settlements/initiate", s.handleInitiateSettlement)
	mux.HandleFunc("/v1/rebalances/request", s.handleRequestRebalance)

	// Owner administration
	mux.HandleFunc("/v1/admin/chains/register", s.handleRegisterChain)
	mux.HandleFunc("/v1/admin/chains/activate", s.handleSetChainActive(true))
	mux.HandleFunc("/v1/admin/chains/deactivate", s.handleSetChainActive(false))
	mux.HandleFunc("/v1/admin/relayers", s.handleSetRelayer)
	mux.HandleFunc("/v1/admin/pause", s.handlePause(true))
	mux.HandleFunc("/v1/admin/unpause", s.handlePause(false))
	mux.HandleFunc("/v1/admin/collateral-asset", s.handleSetCollateralAsset)
	mux.HandleFunc("/v1/admin/emergency-withdraw", s.handleEmergencyWithdraw)

	// Persisted history
	mux.HandleFunc("/v1/history/messages", s.handleHistoryMessages)
	mux.HandleFunc("/v1/history/snapshots", s.handleHistorySnapshots)
	mux.HandleFunc("/v1/history/aggregates", s.handleHistoryAggregate)
	mux.HandleFunc("/v1/history/rebalances", s.handleHistoryRebalances)

	if health != nil {
		mux.HandleFunc("/livez", health.LivenessHandler)
		mux.HandleFunc("/readyz", health.ReadinessHandler)
	}

	return mux
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	type status struct {
		ChainID         uint64 `json:"chain_id"`
		HubChainID      uint64 `json:"hub_chain_id"`
		IsHub           bool   `json:"is_hub"`
		Paused          bool   `json:"paused"`
		MessageNonce    uint64 `json:"message_nonce"`
		CollateralAsset string `json:"collateral_asset"`
		LocalCollateral string `json:"local_collateral"`
		ChainCount      int    `json:"chain_count"`
	}
	var st status

	err := s.loop.Do(r.Context(), func(n *node.Node) error {
		cfg := n.Config()
		st = status{
			ChainID:         cfg.ChainID,
			HubChainID:      cfg.HubChainID,
			IsHub:           cfg.IsHub(),
			Paused:          n.IsPaused(),
			MessageNonce:    n.MessageNonce(),
			CollateralAsset: n.CollateralAsset(),
			LocalCollateral: n.TotalLocalCollateral().String(),
			ChainCount:      len(n.RegisteredChains()),
		}
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, st)
}

func (s *Service) handleChains(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	type chain struct {
		ChainID          uint64 `json:"chain_id"`
		Handle           string `json:"handle"`
		Active           bool   `json:"active"`
		LockedCollateral string `json:"locked_collateral"`
		PositionValue    string `json:"position_value"`
		LastSyncAt       string `json:"last_sync_at,omitempty"`
	}
	var chains []chain

	err := s.loop.Do(r.Context(), func(n *node.Node) error {
		for _, id := range n.RegisteredChains() {
			dep := n.ChainDeployment(id)
			if dep == nil {
				continue
			}
			c := chain{
				ChainID:          dep.ChainID,
				Handle:           dep.Handle,
				Active:           dep.Active,
				LockedCollateral: dep.LockedCollateral.String(),
				PositionValue:    dep.PositionValue.String(),
			}
			if !dep.LastSyncAt.IsZero() {
				c.LastSyncAt = dep.LastSyncAt.UTC().Format("2006-01-02T15:04:05Z07:00")
			}
			chains = append(chains, c)
		}
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"chains": chains, "count": len(chains)})
}

func (s *Service) handleAggregate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	seriesID, err := queryUint(r, "series_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var resp map[string]interface{}
	err = s.loop.Do(r.Context(), func(n *node.Node) error {
		agg := n.AggregatedPosition(seriesID)
		if agg == nil {
			return nil
		}
		resp = map[string]interface{}{
			"series_id":        agg.SeriesID,
			"total_long":       agg.TotalLong.String(),
			"total_short":      agg.TotalShort.String(),
			"total_collateral": agg.TotalCollateral.String(),
			"net_settlement":   agg.NetSettlement.String(),
			"settled":          agg.Settled,
		}
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if resp == nil {
		http.Error(w, "series not found", http.StatusNotFound)
		return
	}
	writeJSON(w, resp)
}

func (s *Service) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	seriesID, err := queryUint(r, "series_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	chainID, err := queryUint(r, "chain_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var resp map[string]interface{}
	err = s.loop.Do(r.Context(), func(n *node.Node) error {
		snap := n.ChainSnapshot(seriesID, chainID)
		if snap == nil {
			return nil
		}
		resp = map[string]interface{}{
			"series_id":         snap.SeriesID,
			"chain_id":          snap.ChainID,
			"long":              snap.Long.String(),
			"short":             snap.Short.String(),
			"locked_collateral": snap.LockedCollateral.String(),
			"settlement_delta":  snap.SettlementDelta.String(),
		}
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if resp == nil {
		http.Error(w, "snapshot not found", http.StatusNotFound)
		return
	}
	writeJSON(w, resp)
}

func (s *Service) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	idStr := r.URL.Query().Get("id")
	if idStr == "" {
		// All in-memory messages, ledger order.
		var envs []relay.Envelope
		err := s.loop.Do(r.Context(), func(n *node.Node) error {
			for _, msg := range n.Messages() {
				envs = append(envs, relay.NewEnvelope(msg))
			}
			return nil
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]interface{}{"messages": envs, "count": len(envs)})
		return
	}

	id, err := relay.ParseMessageID(idStr)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var env *relay.Envelope
	err = s.loop.Do(r.Context(), func(n *node.Node) error {
		if msg := n.Message(id); msg != nil {
			e := relay.NewEnvelope(msg)
			env = &e
		}
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if env == nil {
		http.Error(w, "message not found", http.StatusNotFound)
		return
	}
	writeJSON(w, env)
}

func (s *Service) handleRebalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id, err := queryUint(r, "id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var resp map[string]interface{}
	err = s.loop.Do(r.Context(), func(n *node.Node) error {
		req := n.RebalanceRequest(id)
		if req == nil {
			return nil
		}
		resp = map[string]interface{}{
			"id":         req.ID,
			"from_chain": req.FromChain,
			"to_chain":   req.ToChain,
			"asset":      req.Asset,
			"amount":     req.Amount.String(),
			"executed":   req.Executed,
		}
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if resp == nil {
		http.Error(w, "rebalance not found", http.StatusNotFound)
		return
	}
	writeJSON(w, resp)
}

// LockCollateralRequest is the request body for locking collateral.
type LockCollateralRequest struct {
	Caller   string `json:"caller"`
	SeriesID uint64 `json:"series_id"`
	Amount   string `json:"amount"`
}

func (s *Service) handleLockCollateral(w http.ResponseWriter, r *http.Request) {
	var req LockCollateralRequest
	if !decodePost(w, r, &req) {
		return
	}

	amount, err := relay.ParseAmount(req.Amount)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err = s.loop.Do(r.Context(), func(n *node.Node) error {
		return n.LockCollateral(req.Caller, req.SeriesID, amount)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"success": true})
}

// InitiateSettlementRequest is the request body for hub settlement.
type InitiateSettlementRequest struct {
	Caller          string `json:"caller"`
	SeriesID        uint64 `json:"series_id"`
	SettlementPrice string `json:"settlement_price"`
	Strike          string `json:"strike"`
	IsCall          bool   `json:"is_call"`
}

func (s *Service) handleInitiateSettlement(w http.ResponseWriter, r *http.Request) {
	var req InitiateSettlementRequest
	if !decodePost(w, r, &req) {
		return
	}

	price, err := relay.ParseAmount(req.SettlementPrice)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	strike, err := relay.ParseAmount(req.Strike)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err = s.loop.Do(r.Context(), func(n *node.Node) error {
		return n.InitiateSettlement(req.Caller, req.SeriesID, price, strike, req.IsCall)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"success": true, "series_id": req.SeriesID})
}

// RequestRebalanceRequest is the request body for a liquidity rebalance.
type RequestRebalanceRequest struct {
	Caller    string `json:"caller"`
	FromChain uint64 `json:"from_chain"`
	ToChain   uint64 `json:"to_chain"`
	Amount    string `json:"amount"`
}

func (s *Service) handleRequestRebalance(w http.ResponseWriter, r *http.Request) {
	var req RequestRebalanceRequest
	if !decodePost(w, r, &req) {
		return
	}

	amount, err := relay.ParseAmount(req.Amount)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var id uint64
	err = s.loop.Do(r.Context(), func(n *node.Node) error {
		var inner error
		id, inner = n.RequestRebalance(req.Caller, req.FromChain, req.ToChain, amount)
		return inner
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"success": true, "rebalance_id": id})
}

// RegisterChainRequest is the request body for registering a spoke chain.
type RegisterChainRequest struct {
	Caller  string `json:"caller"`
	ChainID uint64 `json:"chain_id"`
	Handle  string `json:"handle"`
}

func (s *Service) handleRegisterChain(w http.ResponseWriter, r *http.Request) {
	var req RegisterChainRequest
	if !decodePost(w, r, &req) {
		return
	}

	err := s.loop.Do(r.Context(), func(n *node.Node) error {
		return n.RegisterChain(req.Caller, req.ChainID, req.Handle)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"success": true, "chain_id": req.ChainID})
}

func (s *Service) handleSetChainActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Caller  string `json:"caller"`
			ChainID uint64 `json:"chain_id"`
		}
		if !decodePost(w, r, &req) {
			return
		}

		err := s.loop.Do(r.Context(), func(n *node.Node) error {
			if active {
				return n.ActivateChain(req.Caller, req.ChainID)
			}
			return n.DeactivateChain(req.Caller, req.ChainID)
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]interface{}{"success": true})
	}
}

func (s *Service) handleSetRelayer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller  string `json:"caller"`
		Relayer string `json:"relayer"`
		Allowed bool   `json:"allowed"`
	}
	if !decodePost(w, r, &req) {
		return
	}

	err := s.loop.Do(r.Context(), func(n *node.Node) error {
		return n.SetRelayer(req.Caller, req.Relayer, req.Allowed)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"success": true})
}

func (s *Service) handlePause(pause bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Caller string `json:"caller"`
		}
		if !decodePost(w, r, &req) {
			return
		}

		err := s.loop.Do(r.Context(), func(n *node.Node) error {
			if pause {
				return n.Pause(req.Caller)
			}
			return n.Unpause(req.Caller)
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]interface{}{"success": true, "paused": pause})
	}
}

func (s *Service) handleSetCollateralAsset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller string `json:"caller"`
		Asset  string `json:"asset"`
	}
	if !decodePost(w, r, &req) {
		return
	}

	err := s.loop.Do(r.Context(), func(n *node.Node) error {
		return n.SetCollateralAsset(req.Caller, req.Asset)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"success": true})
}

func (s *Service) handleEmergencyWithdraw(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller string `json:"caller"`
		Amount string `json:"amount"`
	}
	if !decodePost(w, r, &req) {
		return
	}

	amount, err := relay.ParseAmount(req.Amount)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err = s.loop.Do(r.Context(), func(n *node.Node) error {
		return n.EmergencyWithdraw(req.Caller, amount)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"success": true})
}

func (s *Service) handleHistoryMessages(w http.ResponseWriter, r *http.Request) {
	if !s.requireQueries(w) {
		return
	}

	if id := r.URL.Query().Get("id"); id != "" {
		msg, err := s.queries.GetMessage(r.Context(), id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if msg == nil {
			http.Error(w, "message not found", http.StatusNotFound)
			return
		}
		writeJSON(w, msg)
		return
	}

	destChain, _ := queryUintOptional(r, "dest_chain")
	status := r.URL.Query().Get("status")
	limit, _ := queryUintOptional(r, "limit")

	msgs, err := s.queries.ListMessages(r.Context(), destChain, status, int(limit))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]interface{}{"messages": msgs, "count": len(msgs)})
}

func (s *Service) handleHistorySnapshots(w http.ResponseWriter, r *http.Request) {
	if !s.requireQueries(w) {
		return
	}

	seriesID, err := queryUint(r, "series_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	snaps, err := s.queries.GetSnapshots(r.Context(), seriesID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]interface{}{"snapshots": snaps, "count": len(snaps)})
}

func (s *Service) handleHistoryAggregate(w http.ResponseWriter, r *http.Request) {
	if !s.requireQueries(w) {
		return
	}

	seriesID, err := queryUint(r, "series_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	agg, err := s.queries.GetAggregate(r.Context(), seriesID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if agg == nil {
		http.Error(w, "series not found", http.StatusNotFound)
		return
	}
	writeJSON(w, agg)
}

func (s *Service) handleHistoryRebalances(w http.ResponseWriter, r *http.Request) {
	if !s.requireQueries(w) {
		return
	}

	limit, _ := queryUintOptional(r, "limit")
	reqs, err := s.queries.ListRebalances(r.Context(), int(limit))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]interface{}{"rebalances": reqs, "count": len(reqs)})
}

func (s *Service) requireQueries(w http.ResponseWriter) bool {
	if s.queries == nil {
		http.Error(w, "history queries unavailable: node running without Postgres", http.StatusServiceUnavailable)
		return false
	}
	return true
}

func decodePost(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// writeError maps node errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, node.ErrNotOwner), errors.Is(err, attest.ErrNotAuthorized):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, node.ErrPaused):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, message.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
}

func queryUint(r *http.Request, key string) (uint64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, fmt.Errorf("missing query parameter %q", key)
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("query parameter %q: %w", key, err)
	}
	return v, nil
}

func queryUintOptional(r *http.Request, key string) (uint64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}
