// Package capture archives connection snapshots to disk: a diff-detecting
// cache decides when a snapshot is worth keeping, a small pool of
// marshalling goroutines protobuf-encode and zstd-compress each kept
// snapshot, and per-connection files rotate on a fixed schedule.
package capture

import (
	fmt "fmt"

	proto "github.com/golang/protobuf/proto"
)

// Record is the wire message for one archived snapshot, corresponding to
// record.proto. It is hand-maintained rather than protoc-generated: this
// repository has no protoc toolchain in its build, but the legacy
// proto.Message contract (Reset/String/ProtoMessage) is all
// github.com/golang/protobuf/proto needs to marshal a struct whose fields
// carry the usual protobuf struct tags.
type Record struct {
	LocalIp           uint32 `protobuf:"varint,1,opt,name=local_ip,json=localIp,proto3" json:"local_ip,omitempty"`
	RemoteIp          uint32 `protobuf:"varint,2,opt,name=remote_ip,json=remoteIp,proto3" json:"remote_ip,omitempty"`
	LocalPort         uint32 `protobuf:"varint,3,opt,name=local_port,json=localPort,proto3" json:"local_port,omitempty"`
	RemotePort        uint32 `protobuf:"varint,4,opt,name=remote_port,json=remotePort,proto3" json:"remote_port,omitempty"`
	TimestampUnixNano int64  `protobuf:"varint,5,opt,name=timestamp_unix_nano,json=timestampUnixNano,proto3" json:"timestamp_unix_nano,omitempty"`

	State       uint32 `protobuf:"varint,6,opt,name=state,proto3" json:"state,omitempty"`
	Rto         uint32 `protobuf:"varint,7,opt,name=rto,proto3" json:"rto,omitempty"`
	Rtt         uint32 `protobuf:"varint,8,opt,name=rtt,proto3" json:"rtt,omitempty"`
	RttVar      uint32 `protobuf:"varint,9,opt,name=rtt_var,json=rttVar,proto3" json:"rtt_var,omitempty"`
	SndUna      uint32 `protobuf:"varint,10,opt,name=snd_una,json=sndUna,proto3" json:"snd_una,omitempty"`
	SndNxt      uint32 `protobuf:"varint,11,opt,name=snd_nxt,json=sndNxt,proto3" json:"snd_nxt,omitempty"`
	SndWnd      uint32 `protobuf:"varint,12,opt,name=snd_wnd,json=sndWnd,proto3" json:"snd_wnd,omitempty"`
	SndBufUsed  uint32 `protobuf:"varint,13,opt,name=snd_buf_used,json=sndBufUsed,proto3" json:"snd_buf_used,omitempty"`
	RcvNxt      uint32 `protobuf:"varint,14,opt,name=rcv_nxt,json=rcvNxt,proto3" json:"rcv_nxt,omitempty"`
	RcvWnd      uint32 `protobuf:"varint,15,opt,name=rcv_wnd,json=rcvWnd,proto3" json:"rcv_wnd,omitempty"`
	RcvBufUsed  uint32 `protobuf:"varint,16,opt,name=rcv_buf_used,json=rcvBufUsed,proto3" json:"rcv_buf_used,omitempty"`
	Retransmits uint32 `protobuf:"varint,17,opt,name=retransmits,proto3" json:"retransmits,omitempty"`
	DupAcks     uint32 `protobuf:"varint,18,opt,name=dup_acks,json=dupAcks,proto3" json:"dup_acks,omitempty"`
}

func (m *Record) Reset()         { *m = Record{} }
func (m *Record) String() string { return fmt.Sprintf("%+v", *m) }
func (*Record) ProtoMessage()    {}

// marshal encodes r with the standard protobuf wire format.
func marshal(r *Record) ([]byte, error) {
	return proto.Marshal(r)
}

// unmarshal decodes wire into a new Record.
func unmarshal(wire []byte) (*Record, error) {
	r := &Record{}
	if err := proto.Unmarshal(wire, r); err != nil {
		return nil, err
	}
	return r, nil
}

func ipToUint32(ip [4]byte) uint32 {
	return uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
}

func uint32ToIP(v uint32) [4]byte {
	return [4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}
