package tcp

import (
	"github.com/m-lab/netstack/ipv4"
	"github.com/m-lab/netstack/pktbuf"
	"github.com/m-lab/netstack/tools"
)

const (
	optEOL           = 0
	optNOP           = 1
	optMSS           = 2
	optWSOPT         = 3
	optSACKPermitted = 4
)

// segment is a parsed inbound TCP segment, reduced to the fields the state
// machine needs. seqLen is data_len plus 1 for SYN and 1 for FIN, the
// quantity RFC 793's acceptability test advances rcv.nxt by.
type segment struct {
	localIP, remoteIP [4]byte
	srcPort, dstPort  uint16
	seq, ack          uint32
	flags             byte
	window            uint16
	mss               uint16
	payload           []byte
	seqLen            uint32
}

func parseSegment(src, dst [4]byte, buf *pktbuf.PktBuf) (segment, bool) {
	n := buf.TotalSize()
	if n < HeaderLenMin {
		return segment{}, false
	}
	raw := make([]byte, n)
	buf.ResetAcc()
	buf.Read(raw, n)

	dataOff := int(raw[12]>>4) * 4
	if dataOff < HeaderLenMin || dataOff > n {
		return segment{}, false
	}

	sum := tools.PseudoHeaderSum(0, src, dst, ipv4.ProtoTCP, uint16(n))
	sum = tools.ChecksumPartial(sum, raw)
	if tools.ChecksumFinish(sum) != 0 {
		return segment{}, false
	}

	seg := segment{
		localIP:  dst,
		remoteIP: src,
		srcPort:  tools.GetUint16(raw[0:2]),
		dstPort:  tools.GetUint16(raw[2:4]),
		seq:      tools.GetUint32(raw[4:8]),
		ack:      tools.GetUint32(raw[8:12]),
		flags:    raw[13],
		window:   tools.GetUint16(raw[14:16]),
		mss:      DefaultMSS,
	}
	parseOptions(raw[HeaderLenMin:dataOff], &seg)

	seg.payload = append([]byte{}, raw[dataOff:]...)
	seg.seqLen = uint32(len(seg.payload))
	if seg.flags&flagSYN != 0 {
		seg.seqLen++
	}
	if seg.flags&flagFIN != 0 {
		seg.seqLen++
	}
	return seg, true
}

func parseOptions(opts []byte, seg *segment) {
	i := 0
	for i < len(opts) {
		switch opts[i] {
		case optEOL:
			return
		case optNOP:
			i++
		case optMSS:
			if i+4 > len(opts) {
				return
			}
			seg.mss = tools.GetUint16(opts[i+2 : i+4])
			i += 4
		case optWSOPT:
			if i+3 > len(opts) {
				return
			}
			i += 3 // window scaling parsed and ignored; no window-scale support
		case optSACKPermitted:
			if i+2 > len(opts) {
				return
			}
			i += 2 // parsed and ignored, no SACK scoreboard
		default:
			if i+1 >= len(opts) {
				return
			}
			optLen := int(opts[i+1])
			if optLen < 2 {
				return
			}
			i += optLen
		}
	}
}

// buildSegment allocates and serializes a TCP segment from pool, ready for
// ipv4_out.
func buildSegment(pool *pktbuf.Pool, localIP, remoteIP [4]byte, localPort, remotePort uint16,
	seq, ack uint32, flags byte, window uint16, mss uint16, payload []byte) (*pktbuf.PktBuf, error) {
	var opts []byte
	if flags&flagSYN != 0 {
		opts = []byte{optMSS, 4, byte(mss >> 8), byte(mss)}
	}
	hdrLen := HeaderLenMin + len(opts)
	total := hdrLen + len(payload)

	raw := make([]byte, total)
	tools.PutUint16(raw[0:2], localPort)
	tools.PutUint16(raw[2:4], remotePort)
	tools.PutUint32(raw[4:8], seq)
	tools.PutUint32(raw[8:12], ack)
	raw[12] = byte(hdrLen/4) << 4
	raw[13] = flags
	tools.PutUint16(raw[14:16], window)
	raw[16], raw[17] = 0, 0 // checksum, filled below
	raw[18], raw[19] = 0, 0 // urgent pointer, unused
	copy(raw[HeaderLenMin:hdrLen], opts)
	copy(raw[hdrLen:], payload)

	sum := tools.PseudoHeaderSum(0, localIP, remoteIP, ipv4.ProtoTCP, uint16(total))
	sum = tools.ChecksumPartial(sum, raw)
	tools.PutUint16(raw[16:18], tools.ChecksumFinish(sum))

	buf, err := pool.Alloc(total)
	if err != nil {
		return nil, err
	}
	buf.Write(raw, total)
	return buf, nil
}
