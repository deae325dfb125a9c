package stm32boot

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrBusy is returned by Init or Flash when another session is already
// running on the same driver instance.
var ErrBusy = errors.New("stm32boot: driver busy with another session")

// ErrTimeout is returned when a framed exchange does not complete before
// its deadline.
var ErrTimeout = errors.New("stm32boot: timed out waiting for bootloader reply")

// UnexpectedByteError reports that a protocol decision point saw a byte
// other than the one it required.
type UnexpectedByteError struct {
	Phase    string
	Expected byte
	Got      byte
}

func (e *UnexpectedByteError) Error() string {
	return fmt.Sprintf("stm32boot: unexpected byte in phase %q: expected 0x%02x, got 0x%02x", e.Phase, e.Expected, e.Got)
}

// UnexpectedLengthError reports that a reply carried a different number
// of bytes than the protocol guarantees.
type UnexpectedLengthError struct {
	Expected int
	Got      int
}

func (e *UnexpectedLengthError) Error() string {
	return fmt.Sprintf("stm32boot: unexpected reply length: expected %d, got %d", e.Expected, e.Got)
}

// UnsupportedCommandError reports that the bootloader never advertised
// the requested opcode in its Get response.
type UnsupportedCommandError struct {
	Opcode byte
}

func (e *UnsupportedCommandError) Error() string {
	return fmt.Sprintf("stm32boot: command 0x%02x not supported by target bootloader", e.Opcode)
}

// TeardownError wraps a failure that occurred while restoring the target
// to its application-boot state, after the inner session phase itself
// had already succeeded.
type TeardownError struct {
	Cause error
}

func (e *TeardownError) Error() string {
	return fmt.Sprintf("stm32boot: teardown failed: %s", e.Cause)
}

func (e *TeardownError) Unwrap() error {
	return e.Cause
}

// wrapInitFailed wraps a GPIO setup failure encountered during Init.
func wrapInitFailed(err error) error {
	return errors.Wrap(err, "stm32boot: init failed")
}

// wrapSerialOpenFailed wraps a UART Open failure.
func wrapSerialOpenFailed(err error) error {
	return errors.Wrap(err, "stm32boot: could not open serial port")
}

// wrapSerialCloseFailed wraps a UART Close failure that was not the
// tolerated "port is not open" case.
func wrapSerialCloseFailed(err error) error {
	return errors.Wrap(err, "stm32boot: could not close serial port")
}

// wrapSerialWriteFailed wraps a UART Write failure.
func wrapSerialWriteFailed(err error) error {
	return errors.Wrap(err, "stm32boot: could not write to serial port")
}

// isPortNotOpen reports whether err is the "port is not open" class of
// error a UART collaborator may raise on a redundant Close. Per spec this
// is swallowed rather than surfaced as SerialCloseFailed.
func isPortNotOpen(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "Port is not open") ||
		strings.Contains(err.Error(), "port is not open") ||
		strings.Contains(err.Error(), "file already closed")
}
