package upstream

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/marcus/taskmirror/internal/adapter"
	"github.com/marcus/taskmirror/internal/model"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body,
// prefixed with "sha256=".
const SignatureHeader = "X-Webhook-Signature"

// Sign computes the signature value for a payload body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a delivery's signature in constant time.
func VerifySignature(secret string, body []byte, signature string) bool {
	want := Sign(secret, body)
	return hmac.Equal([]byte(want), []byte(signature))
}

// Webhook actions.
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionRemove = "remove"
)

// WebhookPayload is the tracker's delivery body. Data is issue-shaped for
// type "Issue"; other entity types are ignored.
type WebhookPayload struct {
	Action    string     `json:"action"`
	Type      string     `json:"type"`
	Data      Issue      `json:"data"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}

// ParseWebhook decodes and sanity-checks a delivery body.
func ParseWebhook(body []byte) (*WebhookPayload, error) {
	var p WebhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("parse webhook body: %w", err)
	}
	switch p.Action {
	case ActionCreate, ActionUpdate, ActionRemove:
	default:
		return nil, fmt.Errorf("unknown webhook action %q", p.Action)
	}
	if p.Data.ID == "" {
		return nil, fmt.Errorf("webhook payload missing issue id")
	}
	return &p, nil
}

// Event converts a verified delivery into a producer event, or nil when
// the delivery is not for us: wrong entity type, or an issue assigned to
// somebody else. viewerID may be empty, which skips the assignee check.
// completedLabel feeds MapIssue's label handling.
//
// Deletion deliveries often lack updatedAt; the caller's ingress clock
// (now) stands in, which is safe because per-issue deliveries are serialized.
func (p *WebhookPayload) Event(viewerID, completedLabel string, now time.Time) *adapter.Event {
	if !strings.EqualFold(p.Type, "Issue") {
		return nil
	}
	if p.Action != ActionRemove && viewerID != "" {
		if p.Data.Assignee == nil || p.Data.Assignee.ID != viewerID {
			return nil
		}
	}

	ts := now
	switch {
	case p.UpdatedAt != nil:
		ts = *p.UpdatedAt
	case !p.Data.UpdatedAt.IsZero():
		ts = p.Data.UpdatedAt
	}

	ev := &adapter.Event{
		Source:     model.SourceUpstream,
		Timestamp:  ts,
		UpstreamID: p.Data.ID,
	}
	if p.Action == ActionRemove {
		ev.Terminal = true
		return ev
	}
	snapshot := MapIssue(p.Data, completedLabel)
	if snapshot.Status == model.StatusTerminal {
		ev.Terminal = true
		return ev
	}
	ev.Snapshot = &snapshot
	return ev
}
