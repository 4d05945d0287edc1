package storage

import (
	"errors"
	"time"
)

// ErrDisabled is returned by DB methods called on a nil *DB.
var ErrDisabled = errors.New("storage disabled")

// Config selects the backing store. With DriverMemory the queue and
// conversation state live in process and are lost on restart.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite; 0 means 5s
}

const (
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// Millis encodes t for integer time columns. The zero time maps to 0.
func Millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromMillis decodes an integer time column. 0 maps to the zero time.
func FromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
