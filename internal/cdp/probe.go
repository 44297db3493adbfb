// Package cdp verifies Chrome DevTools Protocol endpoints before the agent
// and the bridge attach to them.
package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// Version is the browser identity reported by Browser.getVersion.
type Version struct {
	Product         string `json:"product"`
	ProtocolVersion string `json:"protocolVersion"`
	UserAgent       string `json:"userAgent"`
}

// Probe dials the websocket debugger URL and performs one
// Browser.getVersion round trip. A successful probe means the endpoint is
// live and speaks CDP; it proves nothing about page state.
func Probe(ctx context.Context, wsURL string) (*Version, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial CDP endpoint %s: %w", wsURL, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
		_ = conn.SetWriteDeadline(deadline)
	}

	request := map[string]any{"id": 1, "method": "Browser.getVersion"}
	if err := conn.WriteJSON(request); err != nil {
		return nil, fmt.Errorf("failed to send Browser.getVersion: %w", err)
	}

	// The browser may interleave events; read until our reply id shows up.
	for i := 0; i < 10; i++ {
		var reply struct {
			ID     int             `json:"id"`
			Result json.RawMessage `json:"result"`
			Error  *struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := conn.ReadJSON(&reply); err != nil {
			return nil, fmt.Errorf("failed to read CDP reply: %w", err)
		}
		if reply.ID != 1 {
			continue
		}
		if reply.Error != nil {
			return nil, fmt.Errorf("Browser.getVersion failed: %s", reply.Error.Message)
		}
		var version Version
		if err := json.Unmarshal(reply.Result, &version); err != nil {
			return nil, fmt.Errorf("malformed Browser.getVersion result: %w", err)
		}
		return &version, nil
	}
	return nil, fmt.Errorf("no Browser.getVersion reply after 10 messages")
}
