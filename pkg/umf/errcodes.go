package umf

// Stable machine codes carried by ERROR messages in metadata.error_code.
const (
	CodeDecodeInvalid     = "DECODE_INVALID"
	CodeDecodeUnsupported = "DECODE_UNSUPPORTED"
	CodeAuthUnresolved    = "AUTH_UNRESOLVED"
	CodeAuthDenied        = "AUTH_DENIED"
	CodeSessionExpired    = "SESSION_EXPIRED"
	CodeCapNotFound       = "CAP_NOT_FOUND"
	CodeCapDenied         = "CAP_DENIED"
	CodeCapExecutionError = "CAP_EXECUTION_ERROR"
	CodeTimeout           = "TIMEOUT"
	CodeNoTransport       = "NO_TRANSPORT"
	CodeInternal          = "INTERNAL"
)
