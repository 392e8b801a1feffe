package ir

// Version constants for the wire format and the runtime.
const (
	// WireVersion is the command/reply schema version.
	WireVersion = "1"

	// RuntimeVersion is the PMI runtime version.
	RuntimeVersion = "0.1.0"
)
