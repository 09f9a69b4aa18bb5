package tools

import "encoding/binary"

// Htons and friends exist for call-site parity with BSD socket vocabulary.
// A Go integer has no byte order of its own until it is serialized, and
// every wire access in this stack goes through PutUint16/GetUint16/
// PutUint32/GetUint32 below, which always serialize big-endian regardless
// of host. Htons/Ntohl are therefore identity functions; they document at
// the call site that a value is being treated as wire order.
func Htons(v uint16) uint16 { return v }

// Ntohs is the inverse of Htons (also identity, see above).
func Ntohs(v uint16) uint16 { return v }

// Htonl converts a host-order uint32 to network byte order (identity, see
// Htons).
func Htonl(v uint32) uint32 { return v }

// Ntohl is the inverse of Htonl.
func Ntohl(v uint32) uint32 { return v }

// PutUint16 writes v to b in network byte order.
func PutUint16(b []byte, v uint16) { binary.BigEndian.PutUint16(b, v) }

// PutUint32 writes v to b in network byte order.
func PutUint32(b []byte, v uint32) { binary.BigEndian.PutUint32(b, v) }

// GetUint16 reads a network-order uint16 from b.
func GetUint16(b []byte) uint16 { return binary.BigEndian.Uint16(b) }

// GetUint32 reads a network-order uint32 from b.
func GetUint32(b []byte) uint32 { return binary.BigEndian.Uint32(b) }

// ChecksumPartial folds buf into a running one's-complement sum, so callers
// can checksum a chain of buffers (e.g. a pseudo-header followed by a
// pktbuf's blocks) without copying them into one contiguous slice first.
// The caller passes the accumulator in and gets the updated accumulator
// back; call ChecksumFinish once every buffer in the chain has been folded
// in.
func ChecksumPartial(sum uint32, buf []byte) uint32 {
	n := len(buf)
	i := 0
	for ; i+1 < n; i += 2 {
		sum += uint32(buf[i])<<8 | uint32(buf[i+1])
	}
	if i < n {
		sum += uint32(buf[i]) << 8
	}
	return sum
}

// ChecksumFinish folds the carry bits of an accumulator built by
// ChecksumPartial and returns the final one's-complement checksum.
func ChecksumFinish(sum uint32) uint16 {
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// Checksum16 computes the standard internet checksum (RFC 1071) over a
// single contiguous buffer.
func Checksum16(buf []byte) uint16 {
	return ChecksumFinish(ChecksumPartial(0, buf))
}

// PseudoHeaderSum folds a UDP/TCP pseudo-header (src IP, dst IP, zero byte,
// protocol, segment length) into a running checksum accumulator.
func PseudoHeaderSum(sum uint32, srcIP, dstIP [4]byte, protocol uint8, length uint16) uint32 {
	sum = ChecksumPartial(sum, srcIP[:])
	sum = ChecksumPartial(sum, dstIP[:])
	sum += uint32(protocol)
	sum += uint32(length)
	return sum
}
