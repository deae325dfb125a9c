package stm32boot

import (
	"github.com/piotrjaromin/gpio"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// GPIO is the scoped set of operations the session controller needs from
// the two lines wired to the target: RESET and BOOT0. Polarity is fixed
// by the hardware (spec §4.1): BOOT0 logic 0 selects main flash, 1
// selects system memory; RESET is active-low.
type GPIO interface {
	SetBoot0MainFlash() error
	SetBoot0SystemMemory() error
	AssertReset() error
	DeassertReset() error
}

// pinGPIO drives a real RESET/BOOT0 pair through github.com/piotrjaromin/gpio.
//
// RESET is asymmetric by design: asserting it switches the pin to input
// so an external pull-up (or a debugger sharing the net) can hold the
// line low, while deasserting switches it back to output and drives it
// high. Do not "fix" this to symmetric output driving; it matches boards
// where the reset net is shared with a debugger.
//
// BOOT0 and RESET are configured independently of each other, each gated
// by its own ready flag, so that touching one pin never reconfigures (and
// clobbers) the other: the session controller interleaves AssertReset and
// SetBoot0SystemMemory calls (spec §4.10) and a shared setup gate would
// otherwise re-drive RESET high while BOOT0 is still being selected.
type pinGPIO struct {
	boot0Num int
	resetNum int

	boot0      gpio.Pin
	boot0Ready bool
	reset      gpio.Pin
	resetReady bool

	log *logrus.Entry
}

func newPinGPIO(boot0Num, resetNum int, log *logrus.Entry) *pinGPIO {
	return &pinGPIO{boot0Num: boot0Num, resetNum: resetNum, log: log}
}

// ensureBoot0 lazily configures BOOT0 as an output the first time it is
// needed. It never touches RESET.
func (p *pinGPIO) ensureBoot0() error {
	if p.boot0Ready {
		return nil
	}
	b0, err := gpio.NewOutput(uint(p.boot0Num), false)
	if err != nil {
		return errors.Wrap(err, "could not configure BOOT0 pin")
	}
	p.boot0 = b0
	p.boot0Ready = true
	return nil
}

func (p *pinGPIO) SetBoot0MainFlash() error {
	if err := p.ensureBoot0(); err != nil {
		return err
	}
	p.boot0.Low()
	p.log.Debug("gpio: BOOT0 -> main flash")
	return nil
}

func (p *pinGPIO) SetBoot0SystemMemory() error {
	if err := p.ensureBoot0(); err != nil {
		return err
	}
	p.boot0.High()
	p.log.Debug("gpio: BOOT0 -> system memory")
	return nil
}

// AssertReset drives RESET low by releasing it to a high-impedance input,
// letting the board's pull-up/debugger hold the line. It never touches
// BOOT0.
func (p *pinGPIO) AssertReset() error {
	if p.resetReady {
		p.reset.Cleanup()
		p.resetReady = false
	}

	in, err := gpio.NewInput(uint(p.resetNum))
	if err != nil {
		return errors.Wrap(err, "could not release RESET to input")
	}
	p.reset = in
	p.resetReady = true

	p.log.Debug("gpio: RESET -> asserted (input)")

	return nil
}

// DeassertReset switches RESET back to an output and drives it high. It
// never touches BOOT0.
func (p *pinGPIO) DeassertReset() error {
	if p.resetReady {
		p.reset.Cleanup()
		p.resetReady = false
	}

	rst, err := gpio.NewOutput(uint(p.resetNum), true)
	if err != nil {
		return errors.Wrap(err, "could not drive RESET high")
	}
	p.reset = rst
	p.resetReady = true

	p.log.Debug("gpio: RESET -> deasserted (output high)")

	return nil
}
