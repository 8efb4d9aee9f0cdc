package rabbitmq

import (
	"errors"
	"fmt"
	"net"

	"github.com/qvcloud/mqrpc"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Broker-reported failures. TranslateError wraps the original error together
// with one of these, so both errors.Is and errors.As keep working.
var (
	ErrAccessDenied       = errors.New("rabbitmq: access denied")
	ErrNotFound           = errors.New("rabbitmq: resource not found")
	ErrResourceLocked     = errors.New("rabbitmq: resource locked")
	ErrPreconditionFailed = errors.New("rabbitmq: precondition failed")
	ErrMessageTooLarge    = errors.New("rabbitmq: message too large")
	ErrNotAllowed         = errors.New("rabbitmq: not allowed")
	ErrConnectionForced   = errors.New("rabbitmq: connection forced")
	ErrProtocol           = errors.New("rabbitmq: protocol error")
	ErrNetwork            = errors.New("rabbitmq: network error")
	ErrTimeout            = errors.New("rabbitmq: timeout")
)

// TranslateError maps amqp091 errors onto package and mqrpc sentinels.
// Unknown errors are returned unchanged.
func TranslateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("%w: %w", mqrpc.ErrSessionClosed, err)
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		if sentinel := translateCode(amqpErr.Code); sentinel != nil {
			return fmt.Errorf("%w: %w", sentinel, err)
		}
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		return fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	return err
}

func translateCode(code int) error {
	switch code {
	case amqp.AccessRefused:
		return ErrAccessDenied
	case amqp.NotFound, amqp.InvalidPath:
		return ErrNotFound
	case amqp.ResourceLocked:
		return ErrResourceLocked
	case amqp.PreconditionFailed:
		return ErrPreconditionFailed
	case amqp.ContentTooLarge:
		return ErrMessageTooLarge
	case amqp.NotAllowed:
		return ErrNotAllowed
	case amqp.ConnectionForced:
		return ErrConnectionForced
	case amqp.ChannelError, amqp.UnexpectedFrame, amqp.SyntaxError,
		amqp.CommandInvalid, amqp.FrameError, amqp.NotImplemented, amqp.InternalError:
		return ErrProtocol
	}
	return nil
}
