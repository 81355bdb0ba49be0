package maestro

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewCorrelationID returns a short request identifier suitable for logs,
// caches, and propagation to sub-calls. It keeps the time-sortable UUIDv7
// prefix but drops the tail so log lines stay readable.
func NewCorrelationID() string {
	id := uuid.Must(uuid.NewV7()).String()
	return "req-" + strings.ReplaceAll(id[:18], "-", "")
}

// NowUnix returns current time as Unix seconds.
func NowUnix() int64 {
	return time.Now().Unix()
}
