package errors

import "errors"

// Error codes for the event pipeline. Keep stable; used across adapters, dispatcher and HTTP.
const (
	ErrCodeHandlerExists          = "eventbus.handler_exists"
	ErrCodeHandlerNotFound        = "eventbus.handler_not_found"
	ErrCodeHandlerTypeMismatch    = "eventbus.handler_type_mismatch"
	ErrCodeTransportNotConfigured = "eventbus.transport_not_configured"
	ErrCodePublishFailed          = "eventbus.publish_failed"
	ErrCodeSerializationFailed    = "eventbus.serialization_failed"
	ErrCodeNotConnected           = "eventbus.not_connected"
	ErrCodeConnectFailed          = "eventbus.connect_failed"
	ErrCodeInvalidMessage         = "eventbus.invalid_message"
	ErrCodePermanent              = "eventbus.permanent"
)

// Code returns an error value that carries only a code string.
// It implements error by returning the code string in Error().
func Code(code string) error { return codedError(code) }

type codedError string

func (e codedError) Error() string { return string(e) }

var (
	ErrHandlerExists          = Code(ErrCodeHandlerExists)
	ErrHandlerNotFound        = Code(ErrCodeHandlerNotFound)
	ErrHandlerTypeMismatch    = Code(ErrCodeHandlerTypeMismatch)
	ErrTransportNotConfigured = Code(ErrCodeTransportNotConfigured)
	ErrPublishFailed          = Code(ErrCodePublishFailed)
	ErrSerializationFailed    = Code(ErrCodeSerializationFailed)
	ErrNotConnected           = Code(ErrCodeNotConnected)
	ErrConnectFailed          = Code(ErrCodeConnectFailed)
	ErrInvalidMessage         = Code(ErrCodeInvalidMessage)
	ErrPermanent              = Code(ErrCodePermanent)
)

// Permanent marks err as non-retryable. Subscribers terminate such messages instead of redelivering them.
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return errors.Join(ErrPermanent, err)
}

// IsPermanent reports whether redelivering the message that produced err cannot succeed.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent) ||
		errors.Is(err, ErrHandlerNotFound) ||
		errors.Is(err, ErrHandlerTypeMismatch) ||
		errors.Is(err, ErrSerializationFailed) ||
		errors.Is(err, ErrInvalidMessage)
}
