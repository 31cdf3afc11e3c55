package amqp

import "fmt"

const (
	AlreadyOpenError = iota

	ConnectionError

	ConnectionRefusedError

	ConnectionClosedError

	ProtocolError

	UnsupportedVersionError

	FrameSizeError

	DecodeError

	InvalidURIError

	SaslError

	SessionError

	UnknownError
)

// NewError builds a typed client error from an error code and an optional
// detail value.
func NewError(errorCode int, message ...interface{}) error {
	var errorName string

	switch errorCode {
	case AlreadyOpenError:
		errorName = "AlreadyOpenError"
	case ConnectionError:
		errorName = "ConnectionError"
	case ConnectionRefusedError:
		errorName = "ConnectionRefusedError"
	case ConnectionClosedError:
		errorName = "ConnectionClosedError"
	case ProtocolError:
		errorName = "ProtocolError"
	case UnsupportedVersionError:
		errorName = "UnsupportedVersionError"
	case FrameSizeError:
		errorName = "FrameSizeError"
	case DecodeError:
		errorName = "DecodeError"
	case InvalidURIError:
		errorName = "InvalidURIError"
	case SaslError:
		errorName = "SaslError"
	case SessionError:
		errorName = "SessionError"
	default:
		errorName = "UnknownError"
	}

	if len(message) > 0 {
		return fmt.Errorf("%s: %s", errorName, message[0])
	}

	return fmt.Errorf("%s", errorName)
}

func conditionToError(condition string, description string) error {
	err := UnknownError

	switch condition {
	case "amqp:connection:forced":
		err = ConnectionClosedError
	case "amqp:connection:framing-error":
		err = ProtocolError
	case "amqp:frame-size-too-small":
		err = FrameSizeError
	case "amqp:decode-error":
		err = DecodeError
	case "amqp:not-allowed":
		err = ProtocolError
	}

	if description != "" {
		return NewError(err, condition+" ("+description+")")
	}

	return NewError(err, condition)
}
