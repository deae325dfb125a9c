package stm32boot

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// DefaultBaudRate is used when Config.SerialPortBaudRate is zero.
const DefaultBaudRate = 115200

// Config is the immutable, caller-supplied configuration for a Driver
// (spec §3/§6).
type Config struct {
	ResetPin           int
	Boot0Pin           int
	SerialPortPath     string
	SerialPortBaudRate int
}

func (c Config) baudRate() int {
	if c.SerialPortBaudRate > 0 {
		return c.SerialPortBaudRate
	}
	return DefaultBaudRate
}

// Driver is a long-lived handle to one target board's RESET/BOOT0 pins
// and UART. Session state (the open UART, negotiated command set, and
// so on) is created at the start of Flash and destroyed before Flash
// returns; only the one-shot init flag and the busy guard survive
// across calls (spec §3 lifecycle).
type Driver struct {
	cfg Config
	log *logrus.Entry

	gpio       GPIO
	newUART    func() UART
	newCommand func(UART) *commandLayer

	mu       sync.Mutex
	busy     bool
	initDone bool
}

// New builds a Driver wired to the real GPIO and UART collaborators.
func New(cfg Config, log *logrus.Entry) *Driver {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	gp := newPinGPIO(cfg.Boot0Pin, cfg.ResetPin, log)

	return newDriver(cfg, gp, func() UART {
		return newSerialUART(cfg.SerialPortPath, cfg.baudRate(), log)
	}, log)
}

// newDriver is shared by New and tests, which substitute fake
// collaborators for gpio and the UART factory.
func newDriver(cfg Config, gpio GPIO, newUART func() UART, log *logrus.Entry) *Driver {
	return &Driver{
		cfg:        cfg,
		log:        log,
		gpio:       gpio,
		newUART:    newUART,
		newCommand: newCommandLayer,
	}
}

// acquire marks the driver busy for the duration of a session, refusing
// re-entrant Init/Flash calls per spec §5.
func (d *Driver) acquire() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.busy {
		return ErrBusy
	}
	d.busy = true
	return nil
}

func (d *Driver) release() {
	d.mu.Lock()
	d.busy = false
	d.mu.Unlock()
}

// Init is idempotent: the first call configures BOOT0 as an output,
// selects main flash, and deasserts RESET (invariant I1). Subsequent
// calls are no-ops (spec §3, P6).
func (d *Driver) Init() error {
	if err := d.acquire(); err != nil {
		return err
	}
	defer d.release()

	if d.initDone {
		return nil
	}

	if err := d.gpio.SetBoot0MainFlash(); err != nil {
		return wrapInitFailed(err)
	}
	if err := d.gpio.DeassertReset(); err != nil {
		return wrapInitFailed(err)
	}

	d.initDone = true
	return nil
}
