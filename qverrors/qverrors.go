package qverrors

import (
	"fmt"
	"net/http"
)

// Op identifies which public operation produced an error.
type Op string

const (
	OpSend      Op = "relay.send"
	OpReceive   Op = "relay.receive"
	OpAck       Op = "relay.ack"
	OpAckStatus Op = "relay.ack-status"
	OpRegister  Op = "relay.register"
	OpLookup    Op = "relay.lookup"
	OpSignal    Op = "relay.signal"
	OpPoll      Op = "relay.poll"

	OpSessionCreate  Op = "session.create"
	OpSessionResolve Op = "session.resolve"
	OpOfferSet       Op = "session.offer.set"
	OpOfferGet       Op = "session.offer.get"
	OpAnswerSet      Op = "session.answer.set"
	OpAnswerGet      Op = "session.answer.get"
	OpSessionDelete  Op = "session.delete"

	OpDeviceRegister Op = "device.register"
	OpDeviceList     Op = "device.list"
	OpDeviceRemove   Op = "device.remove"

	OpDispatch Op = "dispatch"
	OpSweep    Op = "store.sweep"
)

// Code is a stable, programmatic error identifier carried on the wire.
type Code string

const (
	CodeMissingAction            Code = "missing_action"
	CodeMissingFields            Code = "missing_fields"
	CodeMissingPinOrPasswordHash Code = "missing_pin_or_passwordHash"
	CodeMissingInviteCode        Code = "missing_invite_code"
	CodeMissingPeerID            Code = "missing_peer_id"
	CodeMissingPin               Code = "missing_pin"
	CodeMissingDeviceID          Code = "missing_device_id"
	CodeInvalidChunk             Code = "invalid_chunk"
	CodeInvalidEnvelope          Code = "invalid_envelope"
	CodeInvalidInviteCode        Code = "invalid_invite_code"
	CodeInvalidType              Code = "invalid_type"
	CodeInvalidDeviceID          Code = "invalid_device_id"

	CodeTotalChunksMismatch Code = "totalChunks_mismatch"
	CodeDuplicateChunk      Code = "duplicate_chunk"
	CodeOfferAlreadySet     Code = "offer_already_set"
	CodeAnswerAlreadySet    Code = "answer_already_set"
	CodeOfferNotSet         Code = "offer_not_set"
	CodeInviteCodeInUse     Code = "invite_code_in_use"

	CodePinNotFound     Code = "pin_not_found"
	CodePeerNotFound    Code = "peer_not_found"
	CodeSessionNotFound Code = "session_not_found"
	CodeAnswerNotSet    Code = "answer_not_set"
	CodeUnknownAction   Code = "unknown_action"
	CodeNotAvailable    Code = "not_available"

	CodePinExpired     Code = "pin_expired"
	CodeSessionExpired Code = "session_expired"

	CodePayloadTooLarge  Code = "payload_too_large"
	CodeRateLimited      Code = "rate_limited"
	CodeMethodNotAllowed Code = "method_not_allowed"

	CodeConcurrencyConflict Code = "concurrency_conflict"

	CodeServerError   Code = "server_error"
	CodeInternalError Code = "internal_error"
)

// Error is a structured, programmatically identifiable error for public operations.
type Error struct {
	Op   Op
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s (%s)", e.Op, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

func Wrap(op Op, code Code, err error) error {
	return &Error{Op: op, Code: code, Err: err}
}

// New returns an Error without an underlying cause.
func New(op Op, code Code) error {
	return &Error{Op: op, Code: code}
}

// HTTPStatus maps a Code to its wire status.
//
// offer_not_set is reported as 409 when rejecting an answer POST; callers on
// that path override the 404 returned here. concurrency_conflict maps to 200
// because the relay action surfaces CAS exhaustion in the body and lets the
// client retry at the application level.
func HTTPStatus(code Code) int {
	switch code {
	case CodeMissingAction, CodeMissingFields, CodeMissingPinOrPasswordHash,
		CodeMissingInviteCode, CodeMissingPeerID, CodeMissingPin,
		CodeMissingDeviceID, CodeInvalidChunk, CodeInvalidEnvelope,
		CodeInvalidInviteCode, CodeInvalidType, CodeInvalidDeviceID:
		return http.StatusBadRequest
	case CodeTotalChunksMismatch, CodeDuplicateChunk, CodeOfferAlreadySet,
		CodeAnswerAlreadySet, CodeInviteCodeInUse:
		return http.StatusConflict
	case CodePinNotFound, CodePeerNotFound, CodeSessionNotFound,
		CodeOfferNotSet, CodeAnswerNotSet, CodeUnknownAction, CodeNotAvailable:
		return http.StatusNotFound
	case CodePinExpired, CodeSessionExpired:
		return http.StatusGone
	case CodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case CodeConcurrencyConflict:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}
