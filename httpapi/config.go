package httpapi

import "time"

// Config defines HTTP API settings.
type Config struct {
	Addr string
	// MaxBodyBytes caps request bodies. File trees travel whole, so the
	// default is generous.
	MaxBodyBytes int64
}

const (
	defaultMaxBodyBytes = 16 << 20
	defaultWriteTimeout = 10 * time.Second
	shutdownTimeout     = 5 * time.Second
)
