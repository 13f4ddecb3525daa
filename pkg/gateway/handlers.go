package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/decentid/identity-bridge/pkg/attestation"
	"github.com/decentid/identity-bridge/pkg/events"
	"github.com/decentid/identity-bridge/pkg/heartbeat"
	"github.com/decentid/identity-bridge/pkg/store"
	"github.com/decentid/identity-bridge/pkg/succession"
)

// attestRequest is the body of POST /attest.
type attestRequest struct {
	SubjectRef   string         `json:"subjectRef"`
	OwnerAddress string         `json:"ownerAddress"`
	Provider     string         `json:"provider"`
	Evidence     map[string]any `json:"evidence,omitempty"`
}

// tokenResponse is the API shape of an attestation token.
type tokenResponse struct {
	ID             string `json:"id"`
	Identifier     string `json:"identifier"`
	SubjectAddress string `json:"subjectAddress"`
	IssuedAt       string `json:"issuedAt"`
	ExpiresAt      string `json:"expiresAt"`
	Status         string `json:"status"`
	SignedToken    string `json:"signedToken"`
}

func toTokenResponse(record *attestation.TokenRecord) tokenResponse {
	return tokenResponse{
		ID:             record.ID,
		Identifier:     record.Identifier,
		SubjectAddress: record.SubjectAddress,
		IssuedAt:       record.IssuedAt.Format(time.RFC3339Nano),
		ExpiresAt:      record.ExpiresAt.Format(time.RFC3339Nano),
		Status:         string(record.Status),
		SignedToken:    record.SignedToken,
	}
}

// attestHandler handles POST /api/bridge/v1alpha1/attest.
// An async provider that has not completed yet yields 202; the caller
// repeats the request once the provider callback lands.
func (g *Gateway) attestHandler(w http.ResponseWriter, r *http.Request) {
	var req attestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.SubjectRef == "" || req.OwnerAddress == "" || req.Provider == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "subjectRef, ownerAddress and provider are required")
		return
	}

	result, err := g.manager.ExecuteFlow(r.Context(), req.SubjectRef, req.OwnerAddress, req.Provider, req.Evidence)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	body := map[string]any{"state": string(result.State)}
	if result.Identifier != nil {
		body["identifier"] = result.Identifier.Identifier
	}
	if result.Badge != nil {
		body["badgeId"] = result.Badge.ID
	}
	if result.Token != nil {
		body["token"] = toTokenResponse(result.Token)
	}

	status := http.StatusOK
	if result.State == attestation.StateVerificationPending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, body)
}

// validateHandler handles POST /api/bridge/v1alpha1/tokens/{tokenId}:validate.
// An existing but unusable token is a 200 with valid=false and the reason
// code; only an unknown token is a 404.
func (g *Gateway) validateHandler(w http.ResponseWriter, r *http.Request) {
	tokenID := chi.URLParam(r, "tokenId")

	validation, err := g.manager.ValidateToken(r.Context(), tokenID)
	if err != nil {
		var code string
		switch {
		case errors.Is(err, attestation.ErrTokenExpired):
			code = "TOKEN_EXPIRED"
		case errors.Is(err, attestation.ErrTokenRevoked):
			code = "TOKEN_REVOKED"
		case errors.Is(err, attestation.ErrSignatureInvalid):
			code = "SIGNATURE_INVALID"
		default:
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"valid": false, "code": code})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"valid":          true,
		"tokenId":        validation.TokenID,
		"identifier":     validation.Identifier,
		"subjectAddress": validation.SubjectAddress,
		"issuedAt":       validation.IssuedAt.Format(time.RFC3339Nano),
		"expiresAt":      validation.ExpiresAt.Format(time.RFC3339Nano),
	})
}

// revokeHandler handles POST /api/bridge/v1alpha1/tokens/{tokenId}:revoke.
func (g *Gateway) revokeHandler(w http.ResponseWriter, r *http.Request) {
	tokenID := chi.URLParam(r, "tokenId")

	if err := g.manager.Revoke(r.Context(), tokenID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokenId": tokenID, "status": "revoked"})
}

// registerActorRequest is the body of POST /actors.
type registerActorRequest struct {
	ActorID          string `json:"actorId"`
	ThresholdSeconds int64  `json:"thresholdSeconds"`
}

// registerActorHandler handles POST /api/bridge/v1alpha1/actors.
func (g *Gateway) registerActorHandler(w http.ResponseWriter, r *http.Request) {
	var req registerActorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.ActorID == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "actorId is required")
		return
	}

	record, err := g.ledger.RegisterActor(r.Context(), req.ActorID, time.Duration(req.ThresholdSeconds)*time.Second)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, actorResponse(record))
}

// getActorHandler handles GET /api/bridge/v1alpha1/actors/{actorId}.
func (g *Gateway) getActorHandler(w http.ResponseWriter, r *http.Request) {
	record, err := g.ledger.Get(r.Context(), chi.URLParam(r, "actorId"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, actorResponse(record))
}

// heartbeatHandler handles POST /api/bridge/v1alpha1/actors/{actorId}/heartbeat.
func (g *Gateway) heartbeatHandler(w http.ResponseWriter, r *http.Request) {
	record, err := g.ledger.Heartbeat(r.Context(), chi.URLParam(r, "actorId"), time.Now())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, actorResponse(record))
}

// evaluateHandler handles POST /api/bridge/v1alpha1/actors/{actorId}:evaluate.
// Manual evaluation for operators; the watchdog runner performs the same
// check on its own cadence.
func (g *Gateway) evaluateHandler(w http.ResponseWriter, r *http.Request) {
	actorID := chi.URLParam(r, "actorId")

	triggered, err := g.ledger.Evaluate(r.Context(), actorID, time.Now())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"actorId": actorID, "triggered": triggered})
}

// planRequest is the body of POST /plans.
type planRequest struct {
	ActorID            string         `json:"actorId"`
	PredecessorSubject string         `json:"predecessorSubject"`
	SuccessorSubject   string         `json:"successorSubject"`
	SuccessorAddress   string         `json:"successorAddress"`
	Provider           string         `json:"provider"`
	Evidence           map[string]any `json:"evidence,omitempty"`
}

// createPlanHandler handles POST /api/bridge/v1alpha1/plans.
func (g *Gateway) createPlanHandler(w http.ResponseWriter, r *http.Request) {
	var req planRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.ActorID == "" || req.PredecessorSubject == "" || req.SuccessorSubject == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "actorId, predecessorSubject and successorSubject are required")
		return
	}

	plan := &succession.Plan{
		ActorID:            req.ActorID,
		PredecessorSubject: req.PredecessorSubject,
		SuccessorSubject:   req.SuccessorSubject,
		SuccessorAddress:   req.SuccessorAddress,
		ProviderName:       req.Provider,
	}
	if req.Evidence != nil {
		plan.Evidence = store.JSONAny(req.Evidence)
	}
	if err := g.plans.Create(r.Context(), plan); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, planResponse(plan))
}

// getPlanHandler handles GET /api/bridge/v1alpha1/plans/{actorId}.
func (g *Gateway) getPlanHandler(w http.ResponseWriter, r *http.Request) {
	plan, err := g.plans.Get(r.Context(), chi.URLParam(r, "actorId"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, planResponse(plan))
}

// deletePlanHandler handles DELETE /api/bridge/v1alpha1/plans/{actorId}.
func (g *Gateway) deletePlanHandler(w http.ResponseWriter, r *http.Request) {
	if err := g.plans.Delete(r.Context(), chi.URLParam(r, "actorId")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// listEventsHandler handles GET /api/bridge/v1alpha1/events.
// Query params: type, actor, pageSize, pageToken.
func (g *Gateway) listEventsHandler(w http.ResponseWriter, r *http.Request) {
	pageSize := 20
	if ps := r.URL.Query().Get("pageSize"); ps != "" {
		if v, err := strconv.Atoi(ps); err == nil && v > 0 {
			pageSize = v
		}
	}

	records, nextToken, err := g.trail.List(r.Context(),
		r.URL.Query().Get("type"),
		r.URL.Query().Get("actor"),
		pageSize,
		r.URL.Query().Get("pageToken"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	items := make([]map[string]any, len(records))
	for i, rec := range records {
		items[i] = trailResponse(rec)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events":        items,
		"nextPageToken": nextToken,
	})
}

// healthHandler handles GET /healthz.
func (g *Gateway) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "alive",
		"uptime": time.Since(g.startedAt).Round(time.Second).String(),
	})
}

func actorResponse(record *heartbeat.Record) map[string]any {
	resp := map[string]any{
		"actorId":          record.ActorID,
		"lastSeenAt":       record.LastSeenAt.Format(time.RFC3339Nano),
		"thresholdSeconds": record.ThresholdMs / 1000,
		"escalationState":  string(record.EscalationState),
		"episodeCount":     record.EpisodeCount,
	}
	if record.TriggeredAt != nil {
		resp["triggeredAt"] = record.TriggeredAt.Format(time.RFC3339Nano)
	}
	return resp
}

func planResponse(plan *succession.Plan) map[string]any {
	resp := map[string]any{
		"actorId":            plan.ActorID,
		"predecessorSubject": plan.PredecessorSubject,
		"successorSubject":   plan.SuccessorSubject,
		"successorAddress":   plan.SuccessorAddress,
		"provider":           plan.ProviderName,
	}
	if plan.ExecutedAt != nil {
		resp["executedAt"] = plan.ExecutedAt.Format(time.RFC3339Nano)
	}
	return resp
}

func trailResponse(rec events.TrailRecord) map[string]any {
	resp := map[string]any{
		"id":        rec.ID,
		"type":      rec.EventType,
		"createdAt": rec.CreatedAt.Format(time.RFC3339Nano),
	}
	if rec.ActorID != "" {
		resp["actorId"] = rec.ActorID
	}
	if rec.SubjectRef != "" {
		resp["subjectRef"] = rec.SubjectRef
	}
	if rec.Identifier != "" {
		resp["identifier"] = rec.Identifier
	}
	if rec.TokenID != "" {
		resp["tokenId"] = rec.TokenID
	}
	if rec.Payload != nil {
		resp["payload"] = rec.Payload
	}
	return resp
}
