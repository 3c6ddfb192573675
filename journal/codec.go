package journal

import (
	"encoding/binary"
	"errors"
	"hash/crc32"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrCorruptRecord marks a record whose frame or checksum is invalid.
var ErrCorruptRecord = errors.New("journal: corrupt record")

// Wire field numbers for the event body. The body is a plain protobuf
// message; readers in other languages can decode it from this schema:
//
//	1: seq    (varint)
//	2: kind   (varint)
//	3: source (bytes)
//	4: detail (bytes)
//	5: now_ns (varint, zigzag)
const (
	fieldSeq    = 1
	fieldKind   = 2
	fieldSource = 3
	fieldDetail = 4
	fieldNowNS  = 5
)

// Encode frames an event as [len:4][crc:4][body] with little-endian
// header words and an IEEE CRC-32 over the body.
func Encode(ev Event) []byte {
	var body []byte
	body = protowire.AppendTag(body, fieldSeq, protowire.VarintType)
	body = protowire.AppendVarint(body, ev.Seq)
	body = protowire.AppendTag(body, fieldKind, protowire.VarintType)
	body = protowire.AppendVarint(body, uint64(ev.Kind))
	body = protowire.AppendTag(body, fieldSource, protowire.BytesType)
	body = protowire.AppendString(body, ev.Source)
	body = protowire.AppendTag(body, fieldDetail, protowire.BytesType)
	body = protowire.AppendString(body, ev.Detail)
	body = protowire.AppendTag(body, fieldNowNS, protowire.VarintType)
	body = protowire.AppendVarint(body, protowire.EncodeZigZag(ev.NowNS))

	out := make([]byte, 8, 8+len(body))
	binary.LittleEndian.PutUint32(out[:4], uint32(len(body)))
	binary.LittleEndian.PutUint32(out[4:], crc32.ChecksumIEEE(body))
	return append(out, body...)
}

// Decode validates the frame and checksum and rebuilds the event.
func Decode(data []byte) (Event, error) {
	if len(data) < 8 {
		return Event{}, ErrCorruptRecord
	}
	body := data[8:]
	if uint32(len(body)) != binary.LittleEndian.Uint32(data[:4]) {
		return Event{}, ErrCorruptRecord
	}
	if crc32.ChecksumIEEE(body) != binary.LittleEndian.Uint32(data[4:]) {
		return Event{}, ErrCorruptRecord
	}

	var ev Event
	for len(body) > 0 {
		num, typ, n := protowire.ConsumeTag(body)
		if n < 0 {
			return Event{}, ErrCorruptRecord
		}
		body = body[n:]
		switch {
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(body)
			if n < 0 {
				return Event{}, ErrCorruptRecord
			}
			body = body[n:]
			switch num {
			case fieldSeq:
				ev.Seq = v
			case fieldKind:
				ev.Kind = Kind(v)
			case fieldNowNS:
				ev.NowNS = protowire.DecodeZigZag(v)
			}
		case typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(body)
			if n < 0 {
				return Event{}, ErrCorruptRecord
			}
			body = body[n:]
			switch num {
			case fieldSource:
				ev.Source = string(v)
			case fieldDetail:
				ev.Detail = string(v)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, body)
			if n < 0 {
				return Event{}, ErrCorruptRecord
			}
			body = body[n:]
		}
	}
	return ev, nil
}
