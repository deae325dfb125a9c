package stm32boot

import (
	"github.com/synthread/stm32boot/internal/xmath"
)

const flashBlockSize = 256

// ProgressFunc is invoked after each successfully written 256-byte
// packet with that packet's write address, its offset into the logical
// buffer, and the total number of bytes the flash call will write in
// all (spec §6).
type ProgressFunc func(address uint32, offset, total int)

// paddedLength implements spec §4.9 item 1 literally:
// data.length + (4 - data.length mod 4), NOT reduced mod 4 again. This
// intentionally adds a full 4-byte pad even when data.length is already
// a multiple of 4, for bit-compatible output with the legacy tool this
// protocol was ported from (see SPEC_FULL.md Open Questions). It bounds
// the packet loop below; it is not itself the "total" reported to
// callers, which is always a whole number of 256-byte packets.
func paddedLength(n int) int {
	return n + (4 - n%4)
}

// writeAll segments data into 256-byte packets padded with 0xFF
// (invariant I5) and writes each through Write Memory, advancing address
// by 256 after each successful packet (spec §4.9).
func writeAll(cmds *commandLayer, available []byte, startAddress uint32, data []byte, onProgress ProgressFunc) error {
	padded := paddedLength(len(data))
	totalPackets := xmath.CeilDiv(padded, flashBlockSize)
	total := totalPackets * flashBlockSize

	address := startAddress

	for offset := 0; offset < padded; offset += flashBlockSize {
		packet := make([]byte, flashBlockSize)
		for i := range packet {
			packet[i] = 0xff
		}

		if offset < len(data) {
			end := xmath.Min(len(data), offset+flashBlockSize)
			copy(packet, data[offset:end])
		}

		if err := cmds.writeMemory(available, address, packet); err != nil {
			return err
		}

		if onProgress != nil {
			onProgress(address, offset, total)
		}

		address += flashBlockSize
	}

	return nil
}
