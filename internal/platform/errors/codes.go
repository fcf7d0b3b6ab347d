// Package errors provides structured error handling with machine-readable codes.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Record errors
	CodeRecordFieldMissing      Code = "RECORD_FIELD_MISSING"
	CodeRecordInvalidDigest     Code = "RECORD_INVALID_DIGEST"
	CodeRecordInvalidEventTime  Code = "RECORD_INVALID_EVENT_TIME"
	CodeRecordInvalidEncoding   Code = "RECORD_INVALID_ENCODING"
	CodeRecordSchemaUnknown     Code = "RECORD_SCHEMA_UNKNOWN"
	CodeRecordSigningKeyInvalid Code = "RECORD_SIGNING_KEY_INVALID"

	// Presence errors
	CodePresenceEmptySessionID        Code = "PRESENCE_EMPTY_SESSION_ID"
	CodePresenceChallengeIncomplete   Code = "PRESENCE_CHALLENGE_INCOMPLETE"
	CodePresenceAcknowledgmentMissing Code = "PRESENCE_ACKNOWLEDGMENT_MISSING"

	// Session errors
	CodeSessionEmptyDocumentDigest Code = "SESSION_EMPTY_DOCUMENT_DIGEST"
	CodeSessionEmptyIntent         Code = "SESSION_EMPTY_INTENT"
	CodeSessionInvalidExpiry       Code = "SESSION_INVALID_EXPIRY"
	CodeSessionEmptyRecordRef      Code = "SESSION_EMPTY_RECORD_REF"
	CodeSessionAlreadyApproved     Code = "SESSION_ALREADY_APPROVED"
	CodeSessionExpired             Code = "SESSION_EXPIRED"
	CodeSessionTokenMismatch       Code = "SESSION_TOKEN_MISMATCH"

	// Approval grant errors
	CodeGrantInvalid  Code = "GRANT_INVALID"
	CodeGrantExpired  Code = "GRANT_EXPIRED"
	CodeGrantMismatch Code = "GRANT_MISMATCH"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
)

// HTTPStatus maps domain codes to HTTP status codes.
func (c Code) HTTPStatus() int {
	switch c {
	// BadRequest - validation failures, bad input
	case CodeRecordFieldMissing,
		CodeRecordInvalidDigest,
		CodeRecordInvalidEventTime,
		CodeRecordInvalidEncoding,
		CodeRecordSchemaUnknown,
		CodePresenceEmptySessionID,
		CodePresenceChallengeIncomplete,
		CodePresenceAcknowledgmentMissing,
		CodeSessionEmptyDocumentDigest,
		CodeSessionEmptyIntent,
		CodeSessionInvalidExpiry,
		CodeSessionEmptyRecordRef,
		CodeGrantInvalid,
		CodeGrantMismatch:
		return http.StatusBadRequest

	// Unauthorized - caller failed an access check
	case CodeSessionTokenMismatch:
		return http.StatusUnauthorized

	// Conflict - the session already reached a terminal state
	case CodeSessionAlreadyApproved,
		CodeSessionExpired:
		return http.StatusConflict

	// Gone - the grant can no longer be redeemed
	case CodeGrantExpired:
		return http.StatusGone

	case CodeNotFound:
		return http.StatusNotFound

	default:
		return http.StatusInternalServerError
	}
}
