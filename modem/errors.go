package modem

import (
	"errors"
	"fmt"
)

var (
	// ErrNoDialer is returned when a Modem is constructed without a Dialer.
	//
	// This indicates a configuration error. A Dialer is required in order to
	// establish a connection to the modem.
	ErrNoDialer = errors.New("no dialer configured")

	// ErrNotInitialized is returned when an operation is attempted on a Modem
	// that has not been successfully initialized.
	ErrNotInitialized = errors.New("modem not initialized")

	// ErrAlreadyClosed is returned when Close is called on a Modem that has
	// already been closed, and by every operation attempted afterwards.
	ErrAlreadyClosed = errors.New("modem already closed")

	// ErrSIMPinRequired is returned when the SIM card requires a PIN and no
	// PIN was provided in the Config.
	ErrSIMPinRequired = errors.New("SIM PIN required")

	// ErrLineTooLong is returned when a modem response line exceeds the
	// maximum allowed length. The partial line is dropped.
	ErrLineTooLong = errors.New("response line too long")

	// ErrLoopRunning is returned by Loop when another Loop is already
	// serving the modem, and by Reconnect while a Loop is running.
	ErrLoopRunning = errors.New("modem loop already running")

	// ErrAlreadySubscribed is returned by Subscribe when the event kind
	// already has a subscriber.
	ErrAlreadySubscribed = errors.New("event kind already subscribed")

	// ErrTimeout is wrapped by ProtocolError when no final result arrived
	// within the command timeout, after any permitted retries.
	ErrTimeout = errors.New("command timed out")

	// ErrRejected is wrapped by ProtocolError when the modem answered with
	// ERROR, +CME ERROR or +CMS ERROR. Rejections are never retried.
	ErrRejected = errors.New("command rejected")

	// ErrEmptySlot is returned by ReadSMS and ReadPhonebook when the
	// requested storage slot holds nothing.
	ErrEmptySlot = errors.New("storage slot empty")
)

// ProtocolError reports a command that did not complete normally. Err is
// ErrTimeout or ErrRejected.
type ProtocolError struct {
	Command string
	// Reply holds the final error line for rejected commands.
	Reply string
	Err   error
}

func (e *ProtocolError) Error() string {
	if e.Reply != "" {
		return fmt.Sprintf("%s: %v: %s", e.Command, e.Err, e.Reply)
	}
	return fmt.Sprintf("%s: %v", e.Command, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// TransportError reports a failure of the underlying byte stream. The Loop
// exits with it and the modem must be reconnected.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
