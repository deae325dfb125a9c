package stm32boot

import (
	"time"
)

const (
	ackByte  byte = 0x79
	nackByte byte = 0x1f
	syncByte byte = 0x7f

	opGet       byte = 0x00
	opGetID     byte = 0x02
	opEraseMass byte = 0x43
	opWriteMem  byte = 0x31
)

const (
	autobaudTimeout = 1000 * time.Millisecond
	getTimeout      = 1000 * time.Millisecond
	eraseTimeout    = 30000 * time.Millisecond
	writeTimeout    = 30000 * time.Millisecond
)

// checksum computes the STM-style XOR checksum of bs, matching the
// teacher's util.go checksum() exactly.
func checksum(bs []byte) byte {
	if len(bs) == 0 {
		return 0x00
	}
	c := bs[0]
	for i := 1; i < len(bs); i++ {
		c ^= bs[i]
	}
	return c
}

// opcodeFrame builds the two-byte [op, ~op] command frame spec §3/§6
// requires for every command but the autobaud byte.
func opcodeFrame(op byte) []byte {
	return []byte{op, 0xff ^ op}
}

// commandLayer issues individual AN3155 commands over a UART via the
// framed exchange primitive, gating optional commands against the set
// advertised by Get (spec invariant I4).
type commandLayer struct {
	uart UART
}

func newCommandLayer(u UART) *commandLayer {
	return &commandLayer{uart: u}
}

// enterBootloader sends the 0x7f autobaud byte and expects exactly one
// ACK byte within 1000ms (spec §4.4).
func (c *commandLayer) enterBootloader() error {
	_, err := withTimeoutAndData(c.uart,
		func() error { return c.uart.Write([]byte{syncByte}) },
		func(chunk []byte, done func(error, []byte)) {
			if len(chunk) != 1 {
				done(&UnexpectedLengthError{Expected: 1, Got: len(chunk)}, nil)
				return
			}
			if chunk[0] != ackByte {
				done(&UnexpectedByteError{Phase: "autobaud", Expected: ackByte, Got: chunk[0]}, nil)
				return
			}
			done(nil, nil)
		},
		autobaudTimeout,
	)
	return err
}

// getResult holds the parsed response to the Get command (spec §4.5).
type getResult struct {
	bootloaderVersion byte
	availableCommands []byte
}

// ackFramedParser accumulates bytes until it has seen a leading ACK, a
// length byte, length+1 payload bytes, and a trailing ACK — the shape
// both Get (§4.5) and Get ID (§4.6) share. totalLen is computed as
// buffer[1] + 4 per spec §4.5 ("buffer[1] + 4"), where buffer[0] is the
// leading ACK and buffer[1] is the length byte.
func ackFramedParser() (*[]byte, parseFunc) {
	acc := &[]byte{}
	return acc, func(chunk []byte, done func(error, []byte)) {
		*acc = append(*acc, chunk...)
		buf := *acc

		// Wait for the leading ACK to appear before the length byte can
		// be trusted, per spec §4.5.
		if len(buf) < 1 {
			return
		}
		if buf[0] != ackByte {
			done(&UnexpectedByteError{Phase: "start-ack", Expected: ackByte, Got: buf[0]}, nil)
			return
		}
		if len(buf) < 2 {
			return
		}

		total := int(buf[1]) + 4
		if len(buf) < total {
			return
		}

		if buf[total-1] != ackByte {
			done(&UnexpectedByteError{Phase: "end-ack", Expected: ackByte, Got: buf[total-1]}, nil)
			return
		}

		done(nil, buf[:total])
	}
}

// get issues the Get command (0x00) and returns the bootloader version
// and the advertised command opcodes.
func (c *commandLayer) get() (getResult, error) {
	_, parse := ackFramedParser()

	raw, err := withTimeoutAndData(c.uart,
		func() error { return c.uart.Write(opcodeFrame(opGet)) },
		parse,
		getTimeout,
	)
	if err != nil {
		return getResult{}, err
	}

	// raw = [ACK, N, BL_VER, cmd[0], ..., cmd[N-1], ACK]
	bootVer := raw[2]
	cmds := make([]byte, len(raw)-4)
	copy(cmds, raw[3:len(raw)-1])

	return getResult{bootloaderVersion: bootVer, availableCommands: cmds}, nil
}

// getID issues the Get ID command (0x02), only valid if 0x02 was
// advertised by Get (spec §4.6).
func (c *commandLayer) getID(available []byte) (uint16, error) {
	if !contains(available, opGetID) {
		return 0, &UnsupportedCommandError{Opcode: opGetID}
	}

	_, parse := ackFramedParser()

	raw, err := withTimeoutAndData(c.uart,
		func() error { return c.uart.Write(opcodeFrame(opGetID)) },
		parse,
		getTimeout,
	)
	if err != nil {
		return 0, err
	}

	// raw = [ACK, N, PID_HI, PID_LO, ..., ACK]; product id is the 16-bit
	// big-endian value at offsets 2 and 3.
	if len(raw) < 4 {
		return 0, &UnexpectedLengthError{Expected: 4, Got: len(raw)}
	}

	return uint16(raw[2])<<8 | uint16(raw[3]), nil
}

// eraseAll issues a mass erase (0x43), only valid if advertised by Get
// (spec §4.7). Completion is the second ACK: one for the opcode frame,
// one for the mass-erase selector.
func (c *commandLayer) eraseAll(available []byte) error {
	if !contains(available, opEraseMass) {
		return &UnsupportedCommandError{Opcode: opEraseMass}
	}

	acked := 0

	_, err := withTimeoutAndData(c.uart,
		func() error { return c.uart.Write(opcodeFrame(opEraseMass)) },
		func(chunk []byte, done func(error, []byte)) {
			for _, b := range chunk {
				if b != ackByte {
					done(&UnexpectedByteError{Phase: "erase", Expected: ackByte, Got: b}, nil)
					return
				}
				acked++
				if acked == 1 {
					if werr := c.uart.Write([]byte{0xff, 0x00}); werr != nil {
						done(werr, nil)
						return
					}
				}
				if acked == 2 {
					done(nil, nil)
					return
				}
			}
		},
		eraseTimeout,
	)
	return err
}

// writeMemoryPhase enumerates the three-phase micro state machine spec
// §4.8 names for Write Memory.
type writeMemoryPhase int

const (
	phaseSendAddress writeMemoryPhase = iota
	phaseSendData
	phaseWaitForDataAck
	phaseError
)

// writeMemory writes one packet (<=256 bytes) to addr, only valid if
// 0x31 was advertised by Get (spec §4.8).
func (c *commandLayer) writeMemory(available []byte, addr uint32, data []byte) error {
	if !contains(available, opWriteMem) {
		return &UnsupportedCommandError{Opcode: opWriteMem}
	}

	phase := phaseSendAddress

	addrFrame := addressFrame(addr)
	dataFrame := dataFrameWithLength(data)

	_, err := withTimeoutAndData(c.uart,
		func() error { return c.uart.Write(opcodeFrame(opWriteMem)) },
		func(chunk []byte, done func(error, []byte)) {
			for _, b := range chunk {
				if b != ackByte {
					failedPhase := phaseName(phase)
					phase = phaseError
					done(&UnexpectedByteError{Phase: failedPhase, Expected: ackByte, Got: b}, nil)
					return
				}

				switch phase {
				case phaseSendAddress:
					phase = phaseSendData
					if werr := c.uart.Write(addrFrame); werr != nil {
						done(werr, nil)
						return
					}
				case phaseSendData:
					phase = phaseWaitForDataAck
					if werr := c.uart.Write(dataFrame); werr != nil {
						done(werr, nil)
						return
					}
				case phaseWaitForDataAck:
					done(nil, nil)
					return
				}
			}
		},
		writeTimeout,
	)
	return err
}

func phaseName(p writeMemoryPhase) string {
	switch p {
	case phaseSendAddress:
		return "send-address"
	case phaseSendData:
		return "send-data"
	case phaseWaitForDataAck:
		return "data-ack"
	default:
		return "error"
	}
}

// addressFrame builds the big-endian address + XOR checksum frame spec
// §4.8/P2 requires.
func addressFrame(addr uint32) []byte {
	b := []byte{byte(addr >> 24), byte(addr >> 16), byte(addr >> 8), byte(addr)}
	return append(b, checksum(b))
}

// dataFrameWithLength builds [len-1, d0..dN, checksum] per spec §4.8/P3,
// where the checksum is taken over the length byte and the payload.
func dataFrameWithLength(data []byte) []byte {
	n := byte(len(data) - 1)
	body := append([]byte{n}, data...)
	return append(body, checksum(body))
}

func contains(set []byte, v byte) bool {
	for _, b := range set {
		if b == v {
			return true
		}
	}
	return false
}
