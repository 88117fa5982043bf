package reply

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"net/netip"

	"github.com/perigeehq/perigee/internal/probe"
)

// The record layout is the bit-exact contract with downstream ingestion
// and must not change without a version field. All multi-byte integers
// are big-endian; addresses are 16 bytes with IPv4 as v4-mapped IPv6.

// Encode appends the fixed-layout binary form of r to buf and returns
// the extended slice.
func Encode(buf []byte, r Reply) ([]byte, error) {
	if len(r.AgentID) > math.MaxUint16 {
		return nil, fmt.Errorf("agent id length %d exceeds u16", len(r.AgentID))
	}
	if len(r.MPLSLabels) > math.MaxUint16 {
		return nil, fmt.Errorf("mpls stack depth %d exceeds u16", len(r.MPLSLabels))
	}

	buf = binary.BigEndian.AppendUint64(buf, r.TimeReceivedNs)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(r.AgentID)))
	buf = append(buf, r.AgentID...)

	buf = appendAddr(buf, r.ReplySrcAddr)
	buf = appendAddr(buf, r.ReplyDstAddr)
	buf = binary.BigEndian.AppendUint16(buf, r.ReplyID)
	buf = binary.BigEndian.AppendUint16(buf, r.ReplySize)
	buf = append(buf, r.ReplyTTL, r.QuotedTTL, uint8(r.ReplyProtocol), r.ReplyICMPType, r.ReplyICMPCode)

	buf = binary.BigEndian.AppendUint16(buf, uint16(len(r.MPLSLabels)))
	for _, label := range r.MPLSLabels {
		buf = binary.BigEndian.AppendUint32(buf, label.Label)
		bottom := byte(0)
		if label.BottomOfStack {
			bottom = 1
		}
		buf = append(buf, label.Exp, bottom, label.TTL)
	}

	buf = appendAddr(buf, r.ProbeSrcAddr)
	buf = appendAddr(buf, r.ProbeDstAddr)
	buf = binary.BigEndian.AppendUint16(buf, r.ProbeID)
	buf = binary.BigEndian.AppendUint16(buf, r.ProbeSize)
	buf = append(buf, r.ProbeTTL, uint8(r.ProbeProtocol))
	buf = binary.BigEndian.AppendUint16(buf, r.ProbeSrcPort)
	buf = binary.BigEndian.AppendUint16(buf, r.ProbeDstPort)
	buf = binary.BigEndian.AppendUint16(buf, r.RTT)

	return buf, nil
}

// EncodeBatch serializes replies back to back into one payload.
func EncodeBatch(replies []Reply) ([]byte, error) {
	var buf []byte
	for i, r := range replies {
		var err error
		buf, err = Encode(buf, r)
		if err != nil {
			return nil, fmt.Errorf("encode reply %d: %w", i, err)
		}
	}
	return buf, nil
}

// Decode reads one record from r. It is the exact inverse of Encode.
func Decode(r *bytes.Reader) (Reply, error) {
	var rec Reply

	ns, err := readUint64(r)
	if err != nil {
		return rec, err
	}
	rec.TimeReceivedNs = ns

	idLen, err := readUint16(r)
	if err != nil {
		return rec, err
	}
	id := make([]byte, idLen)
	if _, err := io.ReadFull(r, id); err != nil {
		return rec, fmt.Errorf("read agent id: %w", err)
	}
	rec.AgentID = string(id)

	if rec.ReplySrcAddr, err = readAddr(r); err != nil {
		return rec, err
	}
	if rec.ReplyDstAddr, err = readAddr(r); err != nil {
		return rec, err
	}
	if rec.ReplyID, err = readUint16(r); err != nil {
		return rec, err
	}
	if rec.ReplySize, err = readUint16(r); err != nil {
		return rec, err
	}

	var fixed [5]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return rec, fmt.Errorf("read reply header bytes: %w", err)
	}
	rec.ReplyTTL = fixed[0]
	rec.QuotedTTL = fixed[1]
	rec.ReplyProtocol = probe.Protocol(fixed[2])
	rec.ReplyICMPType = fixed[3]
	rec.ReplyICMPCode = fixed[4]

	stackDepth, err := readUint16(r)
	if err != nil {
		return rec, err
	}
	if stackDepth > 0 {
		rec.MPLSLabels = make([]MPLSLabel, stackDepth)
		for i := range rec.MPLSLabels {
			label, err := readUint32(r)
			if err != nil {
				return rec, err
			}
			var entry [3]byte
			if _, err := io.ReadFull(r, entry[:]); err != nil {
				return rec, fmt.Errorf("read mpls entry: %w", err)
			}
			rec.MPLSLabels[i] = MPLSLabel{
				Label:         label,
				Exp:           entry[0],
				BottomOfStack: entry[1] != 0,
				TTL:           entry[2],
			}
		}
	}

	if rec.ProbeSrcAddr, err = readAddr(r); err != nil {
		return rec, err
	}
	if rec.ProbeDstAddr, err = readAddr(r); err != nil {
		return rec, err
	}
	if rec.ProbeID, err = readUint16(r); err != nil {
		return rec, err
	}
	if rec.ProbeSize, err = readUint16(r); err != nil {
		return rec, err
	}

	var probeFixed [2]byte
	if _, err := io.ReadFull(r, probeFixed[:]); err != nil {
		return rec, fmt.Errorf("read probe header bytes: %w", err)
	}
	rec.ProbeTTL = probeFixed[0]
	rec.ProbeProtocol = probe.Protocol(probeFixed[1])

	if rec.ProbeSrcPort, err = readUint16(r); err != nil {
		return rec, err
	}
	if rec.ProbeDstPort, err = readUint16(r); err != nil {
		return rec, err
	}
	if rec.RTT, err = readUint16(r); err != nil {
		return rec, err
	}

	return rec, nil
}

// DecodeBatch reads records until the payload is exhausted. A truncated
// trailing record is an error.
func DecodeBatch(payload []byte) ([]Reply, error) {
	r := bytes.NewReader(payload)
	var replies []Reply
	for r.Len() > 0 {
		rec, err := Decode(r)
		if err != nil {
			return nil, fmt.Errorf("decode reply %d: %w", len(replies), err)
		}
		replies = append(replies, rec)
	}
	return replies, nil
}

func appendAddr(buf []byte, addr netip.Addr) []byte {
	raw := addr.As16()
	return append(buf, raw[:]...)
}

func readAddr(r *bytes.Reader) (netip.Addr, error) {
	var raw [16]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return netip.Addr{}, fmt.Errorf("read address: %w", err)
	}
	return netip.AddrFrom16(raw).Unmap(), nil
}

func readUint16(r *bytes.Reader) (uint16, error) {
	var raw [2]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return 0, fmt.Errorf("read u16: %w", err)
	}
	return binary.BigEndian.Uint16(raw[:]), nil
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var raw [4]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return 0, fmt.Errorf("read u32: %w", err)
	}
	return binary.BigEndian.Uint32(raw[:]), nil
}

func readUint64(r *bytes.Reader) (uint64, error) {
	var raw [8]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return 0, fmt.Errorf("read u64: %w", err)
	}
	return binary.BigEndian.Uint64(raw[:]), nil
}
