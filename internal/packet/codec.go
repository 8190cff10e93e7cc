package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// 帧格式：fcfa(2) + len(2) + kind(1) + body(var) + checksum(1) + fcee(2)
// len 为整帧长度；checksum 为 len..body 的字节累加和
//
// body:
//
//	application: type(2) + correlation(4) + payload(var)
//	control ack: correlation(4) + status(1)
//	keep alive:  flags(1)，bit0=reply
const (
	headerLen   = 5 // magic(2) + len(2) + kind(1)
	trailerLen  = 3 // checksum(1) + tail(2)
	MinFrameLen = headerLen + trailerLen
	MaxFrameLen = 0xFFFF
)

var (
	magic = []byte{0xFC, 0xFA}
	tail  = []byte{0xFC, 0xEE}
)

var (
	ErrShort    = errors.New("packet: short frame")
	ErrBadMagic = errors.New("packet: bad magic")
	ErrBadTail  = errors.New("packet: bad tail")
	ErrChecksum = errors.New("packet: checksum mismatch")
	ErrTooLarge = errors.New("packet: frame too large")
	ErrNil      = errors.New("packet: nil packet")
)

// Encode 编码为完整帧
func Encode(p Packet) ([]byte, error) {
	if p == nil {
		return nil, ErrNil
	}
	var body []byte
	switch v := p.(type) {
	case *Application:
		if v == nil {
			return nil, ErrNil
		}
		body = make([]byte, 6, 6+len(v.Payload))
		binary.BigEndian.PutUint16(body[0:2], uint16(v.Type))
		binary.BigEndian.PutUint32(body[2:6], v.CorrelationID)
		body = append(body, v.Payload...)
	case *ControlAck:
		if v == nil {
			return nil, ErrNil
		}
		body = make([]byte, 5)
		binary.BigEndian.PutUint32(body[0:4], v.CorrelationID)
		body[4] = v.Status
	case *KeepAlive:
		if v == nil {
			return nil, ErrNil
		}
		body = []byte{0x00}
		if v.Reply {
			body[0] = 0x01
		}
	case *Unknown:
		if v == nil {
			return nil, ErrNil
		}
		body = v.Body
	default:
		return nil, fmt.Errorf("packet: cannot encode %T", p)
	}

	total := headerLen + len(body) + trailerLen
	if total > MaxFrameLen {
		return nil, ErrTooLarge
	}
	buf := make([]byte, 0, total)
	buf = append(buf, magic...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(total))
	buf = append(buf, byte(p.Kind()))
	buf = append(buf, body...)
	buf = append(buf, checksum(buf[2:]))
	buf = append(buf, tail...)
	return buf, nil
}

// Decode 解析单个完整帧
func Decode(b []byte) (Packet, error) {
	if len(b) < MinFrameLen {
		return nil, ErrShort
	}
	if b[0] != magic[0] || b[1] != magic[1] {
		return nil, ErrBadMagic
	}
	total := int(binary.BigEndian.Uint16(b[2:4]))
	if total < MinFrameLen || total > len(b) {
		return nil, ErrShort
	}
	b = b[:total]
	if b[total-2] != tail[0] || b[total-1] != tail[1] {
		return nil, ErrBadTail
	}
	if checksum(b[2:total-trailerLen]) != b[total-trailerLen] {
		return nil, ErrChecksum
	}

	kind := Kind(b[4])
	body := b[headerLen : total-trailerLen]
	switch kind {
	case KindApplication:
		if len(body) < 6 {
			return nil, ErrShort
		}
		payload := make([]byte, len(body)-6)
		copy(payload, body[6:])
		return &Application{
			Type:          Type(binary.BigEndian.Uint16(body[0:2])),
			CorrelationID: binary.BigEndian.Uint32(body[2:6]),
			Payload:       payload,
		}, nil
	case KindControlAck:
		if len(body) < 5 {
			return nil, ErrShort
		}
		return &ControlAck{CorrelationID: binary.BigEndian.Uint32(body[0:4]), Status: body[4]}, nil
	case KindKeepAlive:
		if len(body) < 1 {
			return nil, ErrShort
		}
		return &KeepAlive{Reply: body[0]&0x01 != 0}, nil
	default:
		raw := make([]byte, len(body))
		copy(raw, body)
		return &Unknown{RawKind: kind, Body: raw}, nil
	}
}

func checksum(b []byte) byte {
	var sum byte
	for _, c := range b {
		sum += c
	}
	return sum
}

// StreamDecoder 流式解码：处理半包/粘包，遇到垃圾字节时按 magic 重新同步
type StreamDecoder struct {
	buf      []byte
	maxFrame int
}

// NewStreamDecoder maxFrame<=0 时使用协议上限
func NewStreamDecoder(maxFrame int) *StreamDecoder {
	if maxFrame <= 0 || maxFrame > MaxFrameLen {
		maxFrame = MaxFrameLen
	}
	return &StreamDecoder{maxFrame: maxFrame}
}

// Feed 追加字节，返回已完整的报文以及重新同步时丢弃的字节数
func (d *StreamDecoder) Feed(p []byte) (out []Packet, dropped int) {
	d.buf = append(d.buf, p...)
	for {
		if len(d.buf) < 4 {
			return out, dropped
		}
		if d.buf[0] != magic[0] || d.buf[1] != magic[1] {
			d.buf = d.buf[1:]
			dropped++
			continue
		}
		total := int(binary.BigEndian.Uint16(d.buf[2:4]))
		if total < MinFrameLen || total > d.maxFrame {
			d.buf = d.buf[1:]
			dropped++
			continue
		}
		if len(d.buf) < total {
			return out, dropped
		}
		pkt, err := Decode(d.buf[:total])
		if err != nil {
			d.buf = d.buf[1:]
			dropped++
			continue
		}
		out = append(out, pkt)
		d.buf = d.buf[total:]
	}
}

// Buffered 返回尚未成帧的字节数
func (d *StreamDecoder) Buffered() int { return len(d.buf) }
