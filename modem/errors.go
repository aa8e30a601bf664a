package modem

import (
	"errors"
	"fmt"
)

var (
	// ErrNoDialer is returned when a Port is opened without a Dialer.
	//
	// This indicates a configuration error. A Dialer is required in order to
	// establish a connection to the modem.
	ErrNoDialer = errors.New("no dialer configured")

	// ErrNoChannel is returned by Build when no command Channel was given.
	ErrNoChannel = errors.New("no command channel configured")

	// ErrNoBroker is returned by Build when the broker host or port is missing.
	ErrNoBroker = errors.New("no MQTT broker configured")

	// ErrUnknownVariant is returned by New for an unsupported modem family.
	ErrUnknownVariant = errors.New("unknown modem variant")

	// ErrNotInitialized is returned when an operation is attempted on a modem
	// that has not been successfully initialized, or when a Dialer hands back
	// no Transport.
	ErrNotInitialized = errors.New("modem not initialized")

	// ErrAlreadyClosed is returned when a Port is used or closed after it has
	// already been closed.
	ErrAlreadyClosed = errors.New("modem already closed")

	// ErrNoResponse is a transport timeout: nothing usable arrived within the
	// command's settle budget.
	ErrNoResponse = errors.New("no response within settle time")

	// ErrUnexpectedResponse is a protocol reject: the modem answered, but the
	// expected marker was absent.
	ErrUnexpectedResponse = errors.New("expected marker not found")

	// ErrSIMNotReady is returned by Initialize when the SIM does not report
	// READY. Only the Neoway driver returns it; the Quectel driver keeps
	// polling until the context ends.
	ErrSIMNotReady = errors.New("SIM card not ready")

	// ErrSignalUnavailable is returned when the signal strength is zero.
	// Network attach and MQTT bring-up are gated on it.
	ErrSignalUnavailable = errors.New("no usable signal")

	// ErrConnectSequence is matched by every *StepError.
	ErrConnectSequence = errors.New("MQTT connect sequence failed")

	// ErrDisconnected reports an unsolicited MQTT disconnect notification.
	ErrDisconnected = errors.New("MQTT session lost")

	// ErrTimeNotSynced is returned by Time before the first successful
	// network time sync of the current power cycle.
	ErrTimeNotSynced = errors.New("modem time not synchronized")

	// ErrPowerOffLimit is returned once the power-off attempt budget of a
	// driver instance is spent.
	ErrPowerOffLimit = errors.New("power-off attempts exhausted")

	// ErrInvalidPayload is returned by Publish for payloads that cannot be
	// carried inside a quoted AT argument.
	ErrInvalidPayload = errors.New("payload contains quote or line break")
)

// CommandError describes an AT command whose response lacked the expected
// marker.
type CommandError struct {
	Command string // The AT command that was sent
	Marker  string // The marker that was expected in the response
	Err     error  // ErrNoResponse or ErrUnexpectedResponse
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %v (marker %q)", e.Command, e.Err, e.Marker)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// StepError names the MQTT bring-up step that aborted the sequence.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("mqtt %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() []error {
	return []error{ErrConnectSequence, e.Err}
}
