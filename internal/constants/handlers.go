package constants

import "time"

// Event channel constants
const (
	// EventChannelBuffer is the buffer size for event channels
	EventChannelBuffer = 100
)

// Handler constants
const (
	// MaxRequestBodySize caps JSON request bodies in bytes
	MaxRequestBodySize = 1 << 20

	// SSEKeepAliveInterval is the interval between SSE keep-alive comments
	SSEKeepAliveInterval = 15 * time.Second
)
