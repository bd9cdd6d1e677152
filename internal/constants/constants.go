// Package constants provides shared constants used across the codebase.
package constants

import "time"

// Default listen ports, used when neither PORT nor the service address
// carries one.
const (
	DefaultLandmarkPort   = 50051
	DefaultAgeGenderPort  = 50052
	DefaultAggregatorPort = 50053
)

// HTTP server constants
const (
	// MaxRequestSize caps a request body; images travel base64-encoded
	// inside JSON, so this is roughly 75MB of image data
	MaxRequestSize = 100 << 20

	// ReadTimeout bounds reading a whole request
	ReadTimeout = 30 * time.Second

	// HandlerTimeout bounds a single request, backend call and aggregation included
	HandlerTimeout = 5 * time.Minute

	// IdleTimeout closes idle keep-alive connections
	IdleTimeout = 60 * time.Second

	// ShutdownTimeout is how long in-flight requests get on SIGTERM
	ShutdownTimeout = 30 * time.Second
)

// Dispatcher constants
const (
	// LockFileName is created in the input directory while a dispatcher runs
	LockFileName = ".dispatch.lock"
)

// ImageExtensions lists the input file extensions the dispatcher picks up.
var ImageExtensions = []string{".jpg", ".jpeg", ".png"}
