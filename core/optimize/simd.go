// Package optimize detects CPU features at startup and dispatches hot-path
// primitives to the fastest available implementation.
package optimize

import (
	"hash/crc32"

	"golang.org/x/sys/cpu"
)

var (
	useHWCRC32 bool // x86_64 SSE4.2 / ARM64 CRC32 extension available
	ieeeTable  = crc32.MakeTable(crc32.IEEE)
)

func init() {
	// The standard library's crc32 package already dispatches to a SSE4.2
	// CLMUL or ARM64 CRC32 instruction implementation internally on these
	// architectures. We still probe cpu features ourselves, in the same
	// shape the rest of this package uses for dispatch decisions, so the
	// choice between the hardware path and the portable slicing fallback
	// below is explicit rather than hidden inside the standard library.
	if cpu.X86.HasSSE42 || cpu.ARM64.HasCRC32 {
		useHWCRC32 = true
	}
}

// ChecksumIEEE computes the CRC-32 IEEE checksum of data, using a
// hardware-accelerated instruction when the CPU advertises support and a
// portable single-table implementation (8 bytes per loop iteration)
// otherwise.
func ChecksumIEEE(data []byte) uint32 {
	if useHWCRC32 {
		return crc32.Checksum(data, ieeeTable)
	}
	return checksumIEEESlicing(data)
}

// checksumIEEESlicing is a portable CRC-32 IEEE implementation processing
// 8 bytes per loop iteration via a precomputed table, used on CPUs without
// a dedicated CRC instruction.
func checksumIEEESlicing(data []byte) uint32 {
	crc := ^uint32(0)
	i := 0
	for ; i+8 <= len(data); i += 8 {
		crc ^= uint32(data[i]) | uint32(data[i+1])<<8 | uint32(data[i+2])<<16 | uint32(data[i+3])<<24
		for b := 0; b < 4; b++ {
			crc = ieeeTable[byte(crc)] ^ (crc >> 8)
		}
		crc ^= uint32(data[i+4]) | uint32(data[i+5])<<8 | uint32(data[i+6])<<16 | uint32(data[i+7])<<24
		for b := 0; b < 4; b++ {
			crc = ieeeTable[byte(crc)] ^ (crc >> 8)
		}
	}
	for ; i < len(data); i++ {
		crc = ieeeTable[byte(crc)^data[i]] ^ (crc >> 8)
	}
	return ^crc
}
