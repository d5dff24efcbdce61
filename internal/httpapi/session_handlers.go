package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/envkey/envkey-sub005/internal/audit"
	"github.com/envkey/envkey-sub005/internal/auth"
	"github.com/envkey/envkey-sub005/internal/authz"
)

// sessionRequest is the signed body of a session-token request. The
// signature proves possession of the private key matching the graph's
// pubkey for the claimed identity, so the endpoint needs no password.
type sessionRequest struct {
	Kind     auth.SessionKind `json:"sessionKind"`
	OrgID    string           `json:"orgId"`
	UserID   string           `json:"userId"`
	DeviceID string           `json:"deviceId,omitempty"`
	GrantID  string           `json:"grantId,omitempty"`
	SignedAt time.Time        `json:"signedAt"`
}

type sessionResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

const (
	sessionTTL = 30 * time.Minute
	// signedAtSkew bounds replay of a captured session request.
	signedAtSkew = 5 * time.Minute
)

func (a *API) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var env authz.SignedEnvelope
	if err := decodeJSON(w, r, &env); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var req sessionRequest
	if err := json.Unmarshal(env.Body, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "malformed session request")
		return
	}

	if d := time.Since(req.SignedAt); d < -signedAtSkew || d > signedAtSkew {
		writeUnauthorized(w, r)
		return
	}

	actor := auth.Actor{
		Kind:     req.Kind,
		OrgID:    req.OrgID,
		UserID:   req.UserID,
		DeviceID: req.DeviceID,
		GrantID:  req.GrantID,
	}

	g, err := authz.LoadGraph(r.Context(), a.svc.Store, req.OrgID)
	if err != nil {
		writeUnauthorized(w, r)
		return
	}
	if err := authz.VerifyEnvelope(g, actor, env); err != nil {
		writeUnauthorized(w, r)
		return
	}

	token, err := auth.GenerateToken(req.Kind, req.OrgID, req.UserID, req.DeviceID, req.GrantID, sessionTTL)
	if err != nil {
		writeUnauthorized(w, r)
		return
	}

	expiresAt := time.Now().UTC().Add(sessionTTL)
	_ = audit.LogEvent(r.Context(), audit.EventSessionIssued, map[string]any{
		"org_id":       req.OrgID,
		"user_id":      req.UserID,
		"session_kind": string(req.Kind),
		"expires_at":   expiresAt.Format(time.RFC3339),
	})

	writeJSON(w, http.StatusOK, sessionResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

// handleCreateProvisioningToken mints a directory-sync bearer token for
// the authenticated actor's org. The plaintext appears only in this
// response.
func (a *API) handleCreateProvisioningToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	actor, ok := auth.ActorFromContext(r.Context())
	if !ok {
		writeUnauthorized(w, r)
		return
	}

	token, err := a.svc.CreateProvisioningToken(r.Context(), actor)
	if err != nil {
		writeUnauthorized(w, r)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token": token,
	})
}
