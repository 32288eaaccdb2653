package fraud

// Rule defaults
const (
	// DefaultVelocityThreshold is the highest count per window that is still clean.
	DefaultVelocityThreshold int64 = 10

	// ringMinUsers is the smallest distinct-user count on one device that
	// constitutes a ring.
	ringMinUsers = 2
)

// Alert reasons
const (
	ReasonVelocity = "High Transaction Velocity"

	// ringReasonFormat takes the user count, the joined user list and the device.
	ringReasonFormat = "Fraud Ring Detected: %d different users (%s) shared device %s"
)

// Evaluation outcomes used for metrics and span attributes.
const (
	OutcomeClean    = "clean"
	OutcomeRing     = "ring"
	OutcomeVelocity = "velocity"
	OutcomeError    = "error"
)

const tracerName = "github.com/davidleathers/fraud-alert-engine/internal/service/fraud"
