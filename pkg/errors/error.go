package errors

// ErrorCode represents a specific error code in the system.
type ErrorCode string

const (
	// GeneralInternalServerError represents a generic internal server error.
	GeneralInternalServerError ErrorCode = "general_internal_server_error"
	// GeneralRepositoryError represents a generic repository error.
	GeneralRepositoryError ErrorCode = "general_repository_error"

	// ValidationError represents a quote event that failed the validation gate.
	// Events carrying this code are routed to the dead-letter store, never fatal.
	ValidationError ErrorCode = "validation_error"
	// DuplicateKeyCollision represents a tick upsert that hit an existing
	// natural key. Treated as success by callers, not as an error.
	DuplicateKeyCollision ErrorCode = "duplicate_key_collision"
	// TransientStoreFailure represents a store write that may succeed on retry.
	TransientStoreFailure ErrorCode = "transient_store_failure"
	// CaptureRaceDetected represents a session capture that found rows already
	// written for its target session number. Treated as success by callers.
	CaptureRaceDetected ErrorCode = "capture_race_detected"
	// CalendarUnavailable represents an unreachable market calendar. Capture
	// and the session-aware gate fail closed while this persists.
	CalendarUnavailable ErrorCode = "calendar_unavailable"

	// BusPublishError represents a failure appending an event to the quote bus.
	BusPublishError ErrorCode = "bus_publish_error"
	// BusFetchError represents a failure reading a batch from the quote bus.
	BusFetchError ErrorCode = "bus_fetch_error"
	// BusAckError represents a failure acknowledging consumed bus entries.
	BusAckError ErrorCode = "bus_ack_error"

	// RedisConfigError represents an error when the Redis configuration is invalid or nil.
	RedisConfigError ErrorCode = "redis_config_error"
	// RedisConnectionError represents an error when connecting to Redis.
	RedisConnectionError ErrorCode = "redis_connection_error"
	// RedisPingError represents an error when pinging Redis.
	RedisPingError ErrorCode = "redis_pinging_error"
	// RedisGetError represents an error when getting a value from Redis.
	RedisGetError ErrorCode = "redis_get_error"
	// RedisSetError represents an error when setting a value in Redis.
	RedisSetError ErrorCode = "redis_set_error"
	// RedisHGetError represents an error when getting a field from a hash in Redis.
	RedisHGetError ErrorCode = "redis_hget_error"
	// RedisHSetError represents an error when setting fields in a hash in Redis.
	RedisHSetError ErrorCode = "redis_hset_error"
	// RedisXAddError represents an error when adding entries to a stream in Redis.
	RedisXAddError ErrorCode = "redis_xadd_error"
	// RedisXLenError represents an error when getting the length of a stream in Redis.
	RedisXLenError ErrorCode = "redis_xlen_error"
	// RedisXReadGroupError represents an error when reading from a stream group in Redis.
	RedisXReadGroupError ErrorCode = "redis_xreadgroup_error"
	// RedisXAckError represents an error when acknowledging stream entries in Redis.
	RedisXAckError ErrorCode = "redis_xack_error"
	// RedisXGroupError represents an error when creating a stream consumer group in Redis.
	RedisXGroupError ErrorCode = "redis_xgroup_error"
	// RedisXPendingError represents an error when inspecting pending stream entries in Redis.
	RedisXPendingError ErrorCode = "redis_xpending_error"
)

// ErrorDetails represents detailed information about an error.
type ErrorDetails struct {
	// Message (required) is the user-defined error message.
	// E.g. "quote timestamp outside allowed skew window".
	Message string

	// Code (required) is the error code string, one of the ErrorCode
	// constants above.
	Code string

	// Field (optional) is the related field the error occurred on, if any.
	Field string

	// Object (optional) is the related object the error occured on, if any.
	Object interface{}
}

// NewErrorDetails creates a new ErrorDetails struct with the given parameters.
func NewErrorDetails(message, code, field string) *ErrorDetails {
	return &ErrorDetails{
		Message: message,
		Code:    code,
		Field:   field,
	}
}

// NewErrorDetailsWithObject creates a new ErrorDetails struct with an associated object.
func NewErrorDetailsWithObject(message, code, field string, object interface{}) *ErrorDetails {
	return &ErrorDetails{
		Message: message,
		Code:    code,
		Field:   field,
		Object:  object,
	}
}

// Error() is used to implement the Golang `error` interface.
func (e *ErrorDetails) Error() string {
	return e.Message
}

// ErrorCodeEquals checks whether a given `error` has a specific code.
// It unwraps ErrorTracer chains so wrapped repository errors still match.
func ErrorCodeEquals(err error, code ErrorCode) bool {
	for err != nil {
		if errDetails, ok := err.(*ErrorDetails); ok {
			return errDetails.Code == string(code)
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}
