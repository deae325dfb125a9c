package stm32boot

import "sync"

// fakeGPIO records every pin operation in call order so tests can assert
// the teardown sequence (spec P5) and init idempotence (P6). failOn
// fails every occurrence of a named operation; failNth/failNthErr fail
// only the Nth occurrence of a named operation, which lets a test target
// the teardown phase's call to an operation without also failing the
// identically-named call made during session entry.
type fakeGPIO struct {
	mu sync.Mutex

	events []string
	counts map[string]int

	failOn     map[string]error
	failNth    map[string]int
	failNthErr map[string]error
}

func newFakeGPIO() *fakeGPIO {
	return &fakeGPIO{
		failOn:     map[string]error{},
		counts:     map[string]int{},
		failNth:    map[string]int{},
		failNthErr: map[string]error{},
	}
}

func (g *fakeGPIO) record(name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.events = append(g.events, name)
	g.counts[name]++

	if n, ok := g.failNth[name]; ok && g.counts[name] == n {
		return g.failNthErr[name]
	}
	return g.failOn[name]
}

func (g *fakeGPIO) calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.events))
	copy(out, g.events)
	return out
}

func (g *fakeGPIO) SetBoot0MainFlash() error     { return g.record("boot0-main") }
func (g *fakeGPIO) SetBoot0SystemMemory() error  { return g.record("boot0-system") }
func (g *fakeGPIO) AssertReset() error           { return g.record("reset-assert") }
func (g *fakeGPIO) DeassertReset() error         { return g.record("reset-deassert") }

// fakeUART is an in-memory stand-in for the real serial.Port-backed
// UART, grounded on the same Open/Close/Write/Data contract spec §6
// names. onWrite, when set, lets a test script a bootloader's reply
// synchronously after observing each outbound write.
type fakeUART struct {
	mu sync.Mutex

	writes [][]byte
	data   chan []byte

	openErr  error
	closeErr error
	writeErr error

	opened  bool
	stopped bool

	onWrite func(p []byte)
}

func newFakeUART() *fakeUART {
	return &fakeUART{data: make(chan []byte, 256)}
}

func (f *fakeUART) Open() error {
	f.opened = true
	return f.openErr
}

func (f *fakeUART) Close() error {
	f.opened = false
	return f.closeErr
}

func (f *fakeUART) Write(p []byte) error {
	cp := append([]byte(nil), p...)

	f.mu.Lock()
	f.writes = append(f.writes, cp)
	f.mu.Unlock()

	if f.writeErr != nil {
		return f.writeErr
	}
	if f.onWrite != nil {
		f.onWrite(cp)
	}
	return nil
}

func (f *fakeUART) Data() <-chan []byte {
	return f.data
}

func (f *fakeUART) Stop() {
	f.stopped = true
}

// push enqueues one inbound chunk, as the real reader goroutine would.
func (f *fakeUART) push(b ...byte) {
	f.data <- append([]byte(nil), b...)
}

func (f *fakeUART) allWrites() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.writes))
	copy(out, f.writes)
	return out
}

// flatWrites concatenates every byte this fake has observed written, in
// order, which is what the wire-level testable properties (P1-P4) care
// about rather than individual Write() call boundaries.
func (f *fakeUART) flatWrites() []byte {
	var out []byte
	for _, w := range f.allWrites() {
		out = append(out, w...)
	}
	return out
}
