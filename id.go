package pipewise

import (
	"time"

	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
// Used for workflow ids, memory record ids, and tool-call correlation ids.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Clock abstracts time for TTL checks and timestamps. Injectable for tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall-clock implementation used outside tests.
var SystemClock Clock = systemClock{}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }
