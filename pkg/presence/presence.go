// Package presence tracks which users are currently looking at a review
// table. Entries expire after a short TTL so a closed browser tab drops out
// of the active set without an explicit sign-off.
package presence

import (
	"context"
	"time"

	"github.com/docket-ai/docket/pkg/models"
)

// TTL is how long a heartbeat keeps a user in the active set.
const TTL = 60 * time.Second

// Tracker records heartbeats and lists users seen within the TTL.
type Tracker interface {
	// Heartbeat marks the user as present on the review right now.
	Heartbeat(ctx context.Context, reviewID, userID string) error

	// Active returns users seen within the TTL, oldest heartbeat first.
	Active(ctx context.Context, reviewID string) ([]models.PresenceEntry, error)

	// Close releases the tracker's resources.
	Close() error
}
