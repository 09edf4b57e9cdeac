// Package matrix is the client side of the Matrix client-server API used
// by the sync engine: the /sync long-poll, event sending, redaction,
// login and logout. It also defines the sync response model the domain
// handlers consume.
package matrix

//go:generate mockgen -source=api.go -destination=mock_api.go -package=matrix

import (
	"context"

	"maunium.net/go/mautrix/id"
)

// API is the remote capability the sync loop and outbound jobs depend on.
type API interface {
	// Sync performs one long-poll and returns the next increment.
	Sync(ctx context.Context, req SyncRequest) (*SyncResponse, error)
	// SendEvent sends a room event. txnID makes retries idempotent.
	SendEvent(ctx context.Context, roomID id.RoomID, eventType, txnID string, content any) (id.EventID, error)
	// RedactEvent redacts eventID. txnID makes retries idempotent.
	RedactEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID, txnID, reason string) (id.EventID, error)
	// SignOut invalidates the access token.
	SignOut(ctx context.Context) error
}
