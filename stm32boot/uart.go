package stm32boot

import (
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

// UART is the byte-oriented duplex channel the framed exchange primitive
// drives. Inbound data arrives as chunks on Data(); chunk boundaries
// carry no meaning, only arrival order does (spec §4.2).
type UART interface {
	Open() error
	Close() error
	Write(p []byte) error
	Data() <-chan []byte
	Stop()
}

// serialUART wraps go.bug.st/serial with the 8E1 framing spec §3
// mandates, grounded on the teacher's serial.go rx loop.
type serialUART struct {
	path string
	baud int

	port serial.Port
	rx   chan []byte
	stop chan struct{}

	log *logrus.Entry
}

func newSerialUART(path string, baud int, log *logrus.Entry) *serialUART {
	return &serialUART{path: path, baud: baud, log: log}
}

func (u *serialUART) Open() error {
	port, err := serial.Open(u.path, &serial.Mode{
		BaudRate: u.baud,
		DataBits: 8,
		Parity:   serial.EvenParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return errors.Wrap(err, "could not open serial")
	}

	u.port = port
	u.rx = make(chan []byte, 64)
	u.stop = make(chan struct{})

	go u.readLoop(u.stop)

	u.log.Debug("serial open")

	return nil
}

// readLoop forwards inbound bytes as chunks, matching the teacher's
// rx() goroutine (serial.go) but emitting whole reads instead of
// per-byte sends so callers see real chunk boundaries.
func (u *serialUART) readLoop(stop <-chan struct{}) {
	buf := make([]byte, 256)
	u.port.SetReadTimeout(1 * time.Millisecond)

	for {
		select {
		case <-stop:
			return
		default:
		}

		n, err := u.port.Read(buf)
		if err != nil {
			if perr, ok := err.(*serial.PortError); ok && perr.Code() == serial.PortClosed {
				return
			}
			u.log.Error("serial rx error: ", err)
			return
		}

		if n == 0 {
			continue
		}

		chunk := make([]byte, n)
		copy(chunk, buf[:n])
		u.log.Debugf("serial rx: %x", chunk)

		select {
		case u.rx <- chunk:
		case <-stop:
			return
		}
	}
}

func (u *serialUART) Write(p []byte) error {
	if u.port == nil {
		return errors.New("serial port not open")
	}
	if _, err := u.port.Write(p); err != nil {
		return wrapSerialWriteFailed(err)
	}
	u.log.Debugf("serial tx: %x", p)
	return nil
}

func (u *serialUART) Data() <-chan []byte {
	return u.rx
}

// Stop detaches the reader goroutine without closing the port, matching
// spec invariant I2 (exactly one data listener attached at a time): the
// session controller calls Stop before it calls Close.
func (u *serialUART) Stop() {
	if u.stop != nil {
		close(u.stop)
		u.stop = nil
	}
}

// Close closes the underlying port, swallowing the "port is not open"
// class of error per spec §7.
func (u *serialUART) Close() error {
	u.Stop()

	if u.port == nil {
		return nil
	}
	port := u.port
	u.port = nil

	if err := port.Close(); err != nil {
		if isPortNotOpen(err) {
			return nil
		}
		return errors.Wrap(err, "could not close serial port")
	}

	u.log.Debug("serial close")

	return nil
}
