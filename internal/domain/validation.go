package domain

type FailureReason string

const (
	FailureReasonNone                 FailureReason = ""
	FailureReasonSessionNotFound      FailureReason = "session_not_found"
	FailureReasonSessionExpired       FailureReason = "session_expired"
	FailureReasonSessionRevoked       FailureReason = "session_revoked"
	FailureReasonTokenInvalid         FailureReason = "token_invalid"
	FailureReasonTokenExpired         FailureReason = "token_expired"
	FailureReasonDeviceMismatch       FailureReason = "device_mismatch"
	FailureReasonIPMismatch           FailureReason = "ip_mismatch"
	FailureReasonUserDisabled         FailureReason = "user_disabled"
	FailureReasonUserNotFound         FailureReason = "user_not_found"
	FailureReasonDirectoryUnavailable FailureReason = "directory_unavailable"
	FailureReasonValidationError      FailureReason = "validation_error"
)

var failureMessages = map[FailureReason]string{
	FailureReasonSessionNotFound:      "Session not found",
	FailureReasonSessionExpired:       "Session has expired",
	FailureReasonSessionRevoked:       "Session has been revoked",
	FailureReasonTokenInvalid:         "Session token is invalid",
	FailureReasonTokenExpired:         "Session token has expired",
	FailureReasonDeviceMismatch:       "Session is bound to a different device",
	FailureReasonIPMismatch:           "Session is bound to a different IP address",
	FailureReasonUserDisabled:         "User account is disabled",
	FailureReasonUserNotFound:         "User not found",
	FailureReasonDirectoryUnavailable: "Directory service is unavailable",
	FailureReasonValidationError:      "Session validation failed",
}

func (r FailureReason) DefaultMessage() string {
	if msg, ok := failureMessages[r]; ok {
		return msg
	}
	return "Unknown validation failure"
}

// ValidationResult is the outcome of validating a session. Failures are
// expected results, not errors.
type ValidationResult struct {
	Valid   bool          `json:"valid"`
	Reason  FailureReason `json:"reason,omitempty"`
	Message string        `json:"message,omitempty"`
	Session *Session      `json:"session,omitempty"`
}

func ValidResult(s Session) ValidationResult {
	return ValidationResult{Valid: true, Session: &s}
}

func InvalidResult(reason FailureReason) ValidationResult {
	return ValidationResult{Reason: reason, Message: reason.DefaultMessage()}
}
