// Package webhook delivers signed terminal-state notifications to caller
// supplied endpoints.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/stapply-ai/agent/api/schemas"
)

const signaturePrefix = "sha256="

// DefaultTolerance bounds how far a delivery timestamp may drift from the
// verifier's clock before Verify rejects it.
const DefaultTolerance = 300 * time.Second

// Notifier posts webhook payloads. Delivery is best effort: a run's outcome
// is never changed by a failed notification.
type Notifier struct {
	secret string
	client *resty.Client
	logger *zap.Logger

	// now is swappable for tests.
	now func() time.Time
}

// NewNotifier creates a notifier signing with secret. An empty secret
// disables signing; payloads are then delivered unsigned with a warning.
func NewNotifier(secret string, timeout time.Duration, logger *zap.Logger) *Notifier {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Notifier{
		secret: secret,
		client: resty.New().SetTimeout(timeout),
		logger: logger.Named("webhook"),
		now:    time.Now,
	}
}

// Notify delivers the payload to url with a single POST. Failures are logged
// and swallowed; an empty url is a silent no-op. The payload timestamp is
// stamped here so signature and header always agree.
func (n *Notifier) Notify(ctx context.Context, url string, payload *schemas.WebhookPayload) {
	if url == "" {
		return
	}

	payload.Timestamp = n.now().Unix()

	body, err := payload.MarshalCanonical()
	if err != nil {
		n.logger.Error("Failed to serialize webhook payload",
			zap.String("session_id", payload.SessionID), zap.Error(err))
		return
	}

	req := n.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader(schemas.HeaderWebhookTimestamp, strconv.FormatInt(payload.Timestamp, 10)).
		SetBody(body)

	if n.secret == "" {
		n.logger.Warn("Webhook secret not configured, delivering unsigned",
			zap.String("session_id", payload.SessionID))
	} else {
		req.SetHeader(schemas.HeaderWebhookSignature, Sign(body, n.secret))
	}

	resp, err := req.Post(url)
	if err != nil {
		n.logger.Error("Webhook delivery failed",
			zap.String("session_id", payload.SessionID),
			zap.String("url", url), zap.Error(err))
		return
	}
	if resp.IsError() {
		n.logger.Error("Webhook endpoint rejected delivery",
			zap.String("session_id", payload.SessionID),
			zap.String("url", url),
			zap.Int("status", resp.StatusCode()))
		return
	}

	n.logger.Info("Webhook delivered",
		zap.String("session_id", payload.SessionID),
		zap.Int("status", resp.StatusCode()))
}

// Sign computes the signature header value for body. The timestamp is part
// of the canonical body, so the MAC over the body alone already binds it.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received delivery: signature format, timestamp freshness
// within tolerance, and a constant-time MAC comparison. It is what a webhook
// consumer runs before trusting the payload.
func Verify(body []byte, signature, timestamp, secret string, tolerance time.Duration) error {
	if !strings.HasPrefix(signature, signaturePrefix) {
		return fmt.Errorf("signature missing %q prefix", signaturePrefix)
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp header: %w", err)
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	drift := time.Since(time.Unix(ts, 0))
	if drift < 0 {
		drift = -drift
	}
	if drift > tolerance {
		return fmt.Errorf("timestamp outside tolerance: drift %s exceeds %s", drift, tolerance)
	}

	expected := Sign(body, secret)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}
