package stm32boot

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogEntry() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

// newTestDriver wires a Driver to fake collaborators. uartFactory may be
// nil for tests that never open a session (Init, the busy guard); tests
// that run Flash supply a factory returning their own fakeUART.
func newTestDriver(gp *fakeGPIO, uartFactory func() UART) *Driver {
	return newDriver(Config{ResetPin: 1, Boot0Pin: 2, SerialPortPath: "/dev/fake"}, gp, uartFactory, testLogEntry())
}

func happyUARTFactory() (func() UART, *fakeUART) {
	u := newFakeUART()
	u.onWrite = func(p []byte) {
		switch {
		case len(p) == 1 && p[0] == syncByte:
			u.push(ackByte)
		case len(p) == 2 && p[0] == opGet:
			u.push(ackByte, 0x0b, 0x31, 0x00, 0x01, 0x02, 0x11, 0x21, 0x31, 0x43, 0x63, 0x73, 0x82, 0x92, ackByte)
		case len(p) == 2 && p[0] == opGetID:
			u.push(ackByte, 0x01, 0x04, 0x10, ackByte)
		default:
			u.push(ackByte)
		}
	}
	return func() UART { return u }, u
}

// TestFlashHappyPath reproduces spec §8 scenario 1 end to end through
// the public Driver.Flash surface.
func TestFlashHappyPath(t *testing.T) {
	gp := newFakeGPIO()
	factory, u := happyUARTFactory()
	d := newTestDriver(gp, factory)

	var progressCalls int
	err := d.Flash(context.Background(), 0x08000000, []byte{0xAA, 0xBB, 0xCC, 0xDD}, func(address uint32, offset, total int) {
		progressCalls++
		assert.Equal(t, uint32(0x08000000), address)
		assert.Equal(t, 0, offset)
		assert.Equal(t, 256, total)
	})

	require.NoError(t, err)
	assert.Equal(t, 1, progressCalls)
	assert.True(t, u.stopped)

	calls := gp.calls()
	require.Len(t, calls, 6)
	assert.Equal(t, []string{
		"reset-assert", "boot0-system", "reset-deassert",
		"reset-assert", "boot0-main", "reset-deassert",
	}, calls)
}

// TestFlashUnsupportedErase reproduces scenario 2: Get reports no 0x43,
// flash fails before any Erase bytes are emitted, and teardown still runs
// (P7).
func TestFlashUnsupportedErase(t *testing.T) {
	gp := newFakeGPIO()
	u := newFakeUART()
	u.onWrite = func(p []byte) {
		switch {
		case len(p) == 1 && p[0] == syncByte:
			u.push(ackByte)
		case len(p) == 2 && p[0] == opGet:
			// advertises only GET and GETID, no erase (0x43) or write (0x31).
			u.push(ackByte, 0x02, 0x31, 0x00, 0x02, ackByte)
		case len(p) == 2 && p[0] == opGetID:
			u.push(ackByte, 0x01, 0x04, 0x10, ackByte)
		}
	}
	d := newTestDriver(gp, func() UART { return u })

	err := d.Flash(context.Background(), 0x08000000, []byte{1, 2, 3, 4}, nil)
	require.Error(t, err)
	uce, ok := err.(*UnsupportedCommandError)
	require.True(t, ok)
	assert.Equal(t, byte(0x43), uce.Opcode)

	for _, w := range u.allWrites() {
		assert.NotEqual(t, []byte{0xff, 0x00}, w, "erase selector must never be sent")
	}

	calls := gp.calls()
	require.Len(t, calls, 6)
	assert.Equal(t, []string{"reset-assert", "boot0-main", "reset-deassert"}, calls[3:])
}

// TestFlashNackOnAutobaud reproduces scenario 3/4 shape: a non-ACK first
// byte fails the session and teardown still runs in order (P5).
func TestFlashNackOnAutobaud(t *testing.T) {
	gp := newFakeGPIO()
	u := newFakeUART()
	u.onWrite = func(p []byte) {
		if len(p) == 1 && p[0] == syncByte {
			u.push(nackByte)
		}
	}
	d := newTestDriver(gp, func() UART { return u })

	err := d.Flash(context.Background(), 0x08000000, []byte{1, 2, 3, 4}, nil)
	require.Error(t, err)
	ube, ok := err.(*UnexpectedByteError)
	require.True(t, ok)
	assert.Equal(t, "autobaud", ube.Phase)

	assert.Equal(t, []string{
		"reset-assert", "boot0-system", "reset-deassert",
		"reset-assert", "boot0-main", "reset-deassert",
	}, gp.calls())
}

// TestFlashTeardownRunsEvenWhenUARTNeverOpens verifies that a failure
// before the UART is opened still runs the full teardown, tolerating a
// never-opened port.
func TestFlashTeardownRunsEvenWhenUARTNeverOpens(t *testing.T) {
	gp := newFakeGPIO()
	u := newFakeUART()
	u.openErr = assertError("could not open")
	d := newTestDriver(gp, func() UART { return u })

	err := d.Flash(context.Background(), 0x08000000, []byte{1, 2, 3, 4}, nil)
	require.Error(t, err)

	assert.Equal(t, []string{"reset-assert", "boot0-main", "reset-deassert"}, gp.calls())
}

// TestFlashTeardownErrorOnlySurfacesAfterInnerSuccess verifies that a
// teardown failure is reported only when the inner phase succeeded; when
// both fail, the inner error wins.
func TestFlashTeardownErrorOnlySurfacesAfterInnerSuccess(t *testing.T) {
	gp := newFakeGPIO()
	gp.failNth["reset-deassert"] = 2
	gp.failNthErr["reset-deassert"] = assertError("stuck reset line")
	factory, _ := happyUARTFactory()
	d := newTestDriver(gp, factory)

	err := d.Flash(context.Background(), 0x08000000, []byte{0xAA, 0xBB, 0xCC, 0xDD}, nil)
	require.Error(t, err)
	_, isTeardown := err.(*TeardownError)
	assert.True(t, isTeardown)
}

func TestFlashInnerErrorWinsOverTeardownFailure(t *testing.T) {
	gp := newFakeGPIO()
	gp.failNth["reset-deassert"] = 2
	gp.failNthErr["reset-deassert"] = assertError("stuck reset line")
	u := newFakeUART()
	u.onWrite = func(p []byte) {
		if len(p) == 1 && p[0] == syncByte {
			u.push(nackByte)
		}
	}
	d := newTestDriver(gp, func() UART { return u })

	err := d.Flash(context.Background(), 0x08000000, []byte{1, 2, 3, 4}, nil)
	require.Error(t, err)
	_, isUnexpectedByte := err.(*UnexpectedByteError)
	assert.True(t, isUnexpectedByte, "inner error should win over teardown failure")
}

// TestInitIdempotent verifies P6: two consecutive Init calls cause GPIO
// writes exactly once.
func TestInitIdempotent(t *testing.T) {
	gp := newFakeGPIO()
	d := newTestDriver(gp, nil)

	require.NoError(t, d.Init())
	require.NoError(t, d.Init())

	assert.Equal(t, []string{"boot0-main", "reset-deassert"}, gp.calls())
}

func TestBusyGuardRejectsReentry(t *testing.T) {
	gp := newFakeGPIO()
	d := newTestDriver(gp, nil)

	d.busy = true
	assert.Equal(t, ErrBusy, d.Init())
}
