package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/envkey/envkey-sub005/internal/auth"
	"github.com/envkey/envkey-sub005/internal/ids"
	"github.com/envkey/envkey-sub005/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// Event names recorded by the core pipeline.
const (
	EventActionAuthorized   = "action.authorized"
	EventActionDenied       = "action.denied"
	EventActionApplied      = "action.applied"
	EventTrustBroken        = "trust.chain_broken"
	EventSessionIssued      = "session.issued"
	EventProvisioningIssued = "provisioning.token_issued"
	EventSocketsCleared     = "sockets.cleared"
)

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// requestIDFromContext extracts the audit request id from context if present.
func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit log entry enriched with request and actor context.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := map[string]any{
		"ts":       time.Now().UTC().Format(time.RFC3339Nano),
		"type":     "audit",
		"audit_id": ids.Prefixed("audit"),
		"event":    event,
	}
	if rid := requestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if actor, ok := auth.ActorFromContext(ctx); ok {
		entry["org_id"] = actor.OrgID
		entry["user_id"] = actor.UserID
		if actor.DeviceID != "" {
			entry["device_id"] = actor.DeviceID
		}
		entry["session_kind"] = string(actor.Kind)
	}
	if len(fields) > 0 {
		copyFields := make(map[string]any, len(fields))
		for k, v := range fields {
			copyFields[k] = v
		}
		entry["fields"] = copyFields
	} else {
		entry["fields"] = map[string]any{}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}
