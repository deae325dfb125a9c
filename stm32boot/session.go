package stm32boot

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// Session timing constants from spec §4.10 and §5; these delays are
// part of the bootloader-readiness contract and must not be shortened.
const (
	boot0SettleDelay   = 10 * time.Millisecond
	systemMemoryDelay  = 500 * time.Millisecond
)

// sessionState is the session-level state machine named in spec §4.10.
type sessionState int

const (
	stateIdle sessionState = iota
	stateOpening
	stateInSystemMemory
	stateNegotiated
	stateWorking
	stateTearingDown
)

func (s sessionState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateOpening:
		return "opening"
	case stateInSystemMemory:
		return "in-system-memory"
	case stateNegotiated:
		return "negotiated"
	case stateWorking:
		return "working"
	case stateTearingDown:
		return "tearing-down"
	default:
		return "unknown"
	}
}

// session holds state that lives only for the duration of one Flash
// call (spec §3 "Session state"): the open UART handle, the negotiated
// command set, and the identifiers Get/Get ID reported.
type session struct {
	driver *Driver

	uart     UART
	commands *commandLayer

	bootloaderVersion byte
	availableCommands []byte
	productID         uint16

	state sessionState
}

// setState moves the session to state and logs the transition at Debug,
// matching the session-phase logging SPEC_FULL.md's ambient stack calls
// for.
func (s *session) setState(state sessionState) {
	s.state = state
	s.driver.log.Debugf("session: state -> %s", state)
}

// Flash runs a full bootloader session: enter system memory, negotiate
// the command set, erase and write data, then restore the target to
// application boot regardless of where the inner phase failed (spec
// §4.10, invariant I3).
//
// ctx bounds only the inner enter+work phase; teardown is unconditional,
// ignores ctx and always runs to completion, per spec §5's cancellation
// note.
func (d *Driver) Flash(ctx context.Context, address uint32, data []byte, onProgress ProgressFunc) error {
	if err := d.acquire(); err != nil {
		return err
	}
	defer d.release()

	if ctx == nil {
		ctx = context.Background()
	}

	s := &session{driver: d, state: stateIdle}

	innerErr := s.enterAndWork(ctx, address, data, onProgress)

	teardownErr := s.teardown()

	if teardownErr != nil {
		if innerErr == nil {
			return &TeardownError{Cause: teardownErr}
		}
		d.log.WithError(teardownErr).Warn("teardown failed after inner session error; surfacing inner error")
	}

	return innerErr
}

// enterAndWork runs session steps 1-10 of spec §4.10. ctx is checked
// during the two fixed delays and before the autobaud, Get, Get ID and
// Erase exchanges. It is not checked between Write Memory packets, so
// once writing has begun the whole image is written. There is no
// cancellation mid UART exchange, since interrupting one would leave the
// port and the target bootloader's micro state machine out of sync with
// each other.
func (s *session) enterAndWork(ctx context.Context, address uint32, data []byte, onProgress ProgressFunc) error {
	d := s.driver

	s.setState(stateOpening)
	s.uart = d.newUART()
	if err := s.uart.Open(); err != nil {
		return wrapSerialOpenFailed(err)
	}
	s.commands = d.newCommand(s.uart)

	if err := d.gpio.AssertReset(); err != nil {
		return errors.Wrap(err, "could not assert reset")
	}
	if err := d.gpio.SetBoot0SystemMemory(); err != nil {
		return errors.Wrap(err, "could not select system memory boot")
	}

	if err := sleepOrCancel(ctx, boot0SettleDelay); err != nil {
		return err
	}

	if err := d.gpio.DeassertReset(); err != nil {
		return errors.Wrap(err, "could not deassert reset")
	}

	if err := sleepOrCancel(ctx, systemMemoryDelay); err != nil {
		return err
	}

	s.setState(stateInSystemMemory)

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.commands.enterBootloader(); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	got, err := s.commands.get()
	if err != nil {
		return err
	}
	s.bootloaderVersion = got.bootloaderVersion
	s.availableCommands = got.availableCommands

	if err := ctx.Err(); err != nil {
		return err
	}
	pid, err := s.commands.getID(s.availableCommands)
	if err != nil {
		return err
	}
	s.productID = pid

	s.setState(stateNegotiated)

	s.setState(stateWorking)
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.commands.eraseAll(s.availableCommands); err != nil {
		return err
	}

	if err := writeAll(s.commands, s.availableCommands, address, data, onProgress); err != nil {
		return err
	}

	return nil
}

// sleepOrCancel sleeps for d, returning early with ctx.Err() if ctx is
// canceled first.
func sleepOrCancel(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// teardown runs spec §4.10 steps 11-14 unconditionally, in order,
// regardless of whether enterAndWork succeeded or how far it got
// (invariant I3). It tolerates a never-opened UART and a UART already
// reporting "not open" on Close.
func (s *session) teardown() error {
	s.setState(stateTearingDown)
	d := s.driver

	var first error
	record := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}

	record(d.gpio.AssertReset())
	record(d.gpio.SetBoot0MainFlash())

	if s.uart != nil {
		s.uart.Stop()
		if err := s.uart.Close(); err != nil && !isPortNotOpen(err) {
			record(wrapSerialCloseFailed(err))
		}
	}

	record(d.gpio.DeassertReset())

	s.setState(stateIdle)

	return first
}
