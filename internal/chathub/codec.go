package chathub

import (
	"errors"

	"matchwire/backend/internal/call"
	"matchwire/backend/internal/metrics"
	"matchwire/backend/internal/models"
	"matchwire/backend/internal/storage"
)

var (
	// ErrValidation marks a request that is well-formed but not acceptable.
	ErrValidation = errors.New("validation failed")
	// ErrForbidden marks a request from a user who is not a participant.
	ErrForbidden = errors.New("forbidden")
	// ErrSendFailed marks a collaborator failure while handling a send.
	ErrSendFailed = errors.New("send failed")
	// ErrUnknownEvent marks an event type the relay does not accept from clients.
	ErrUnknownEvent = errors.New("unknown event")
)

// errorCode maps an error to its wire code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnknownEvent):
		return models.ErrCodeUnknownEvent
	case errors.Is(err, models.ErrUnsupportedVersion):
		return models.ErrCodeUnsupportedVersion
	case errors.Is(err, models.ErrMalformedEvent):
		return models.ErrCodeMalformed
	case errors.Is(err, models.ErrInvalidPayload),
		errors.Is(err, models.ErrEmptyMessage),
		errors.Is(err, ErrValidation),
		errors.Is(err, call.ErrIllegalTransition):
		return models.ErrCodeValidation
	case errors.Is(err, ErrForbidden):
		return models.ErrCodeForbidden
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, call.ErrNoSession):
		return models.ErrCodeNotFound
	case errors.Is(err, call.ErrAlreadyInCall),
		errors.Is(err, call.ErrBusy):
		return models.ErrCodeCallFailed
	default:
		return models.ErrCodeSendFailed
	}
}

// send wraps data in an event of type t and queues it on c.
func send(c Client, t models.EventType, data any) bool {
	ev, err := models.NewEvent(t, data)
	if err != nil {
		return false
	}
	return c.Queue(ev)
}

// replyError answers the event that caused err on the originating connection.
func replyError(c Client, cause models.Event, err error, clientTempID string) {
	code := errorCode(err)
	metrics.EventsRejected.WithLabelValues(code).Inc()

	ev, mErr := models.NewEvent(models.EventError, models.ErrorPayload{
		Code:         code,
		Message:      err.Error(),
		Event:        cause.Type,
		ClientTempID: clientTempID,
	})
	if mErr != nil {
		return
	}
	ev.Ack = cause.Ack
	c.Queue(ev)
}
