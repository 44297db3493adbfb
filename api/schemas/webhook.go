package schemas

import "encoding/json"

// -- Webhook Models --

// Header names used on outbound webhook deliveries.
const (
	HeaderWebhookSignature = "X-Webhook-Signature"
	HeaderWebhookTimestamp = "X-Webhook-Timestamp"
)

// WebhookPayload is constructed once per run and delivered to the caller
// supplied endpoint when the run reaches a terminal state.
type WebhookPayload struct {
	SessionID string     `json:"session_id"`
	UserID    string     `json:"user_id"`
	Success   bool       `json:"success"`
	Timestamp int64      `json:"timestamp"`
	Result    string     `json:"result,omitempty"`
	Error     string     `json:"error,omitempty"`
	Usage     *Usage     `json:"usage,omitempty"`
	Metadata  Properties `json:"metadata,omitempty"`
}

// Properties is a generic attribute map carried on webhook payloads.
type Properties map[string]any

// MarshalCanonical serializes the payload with lexicographically sorted keys
// at every level, so the signature computed over the bytes is reproducible by
// any verifier that re-serializes the same logical payload.
func (p *WebhookPayload) MarshalCanonical() ([]byte, error) {
	// encoding/json sorts map keys, so a struct -> map -> bytes round trip
	// yields a stable ordering regardless of field declaration order.
	direct, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var flat map[string]any
	if err := json.Unmarshal(direct, &flat); err != nil {
		return nil, err
	}
	return json.Marshal(flat)
}
