package hypersockets

import (
	"context"
	"time"
)

// runHeartbeat sends Payload on send every Interval until ctx is
// cancelled. The first tick is skipped (no immediate heartbeat right
// after connect) and a tick that arrives while the previous send is still
// pending is dropped rather than queued, so heartbeats never burst after
// a slow patch.
func runHeartbeat(ctx context.Context, hb Heartbeat, send func(WsMessage) error, onError func(error)) {
	ticker := time.NewTicker(hb.Interval)
	defer ticker.Stop()

	// Discard the first tick. A Go ticker's first tick already arrives one
	// interval after start, so the first heartbeat goes out two intervals
	// after connect.
	select {
	case <-ctx.Done():
		return
	case <-ticker.C:
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := send(hb.Payload); err != nil {
				if onError != nil {
					onError(err)
				}
				return
			}
		}
	}
}
