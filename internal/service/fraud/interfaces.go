package fraud

import (
	"context"
	"time"

	"github.com/davidleathers/fraud-alert-engine/internal/domain/alert"
)

// IdentityGraph maps devices to the users that transacted from them.
type IdentityGraph interface {
	// RecordUsage adds userID to deviceID's set and refreshes its expiry.
	RecordUsage(ctx context.Context, deviceID, userID string) error

	// UsersOf returns the live users of deviceID in a stable order.
	UsersOf(ctx context.Context, deviceID string) ([]string, error)
}

// CardLinker is implemented by graph backends that also track card edges.
type CardLinker interface {
	LinkCard(ctx context.Context, userID, cardID, deviceID string) error
}

// VelocityTracker counts a user's transactions inside the current window.
type VelocityTracker interface {
	// Increment returns the post-increment count for userID.
	Increment(ctx context.Context, userID string) (int64, error)
}

// AlertPublisher fans an alert out to live subscribers.
type AlertPublisher interface {
	Publish(ctx context.Context, a *alert.FraudAlert) error
}

// Metrics receives one observation per evaluation.
type Metrics interface {
	ObserveEvaluation(ctx context.Context, outcome string, duration time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) ObserveEvaluation(context.Context, string, time.Duration) {}
