package order

import (
	"encoding/binary"
	"fmt"
)

// Message kinds, carried in the first byte of every cross-domain payload.
const (
	MessageSettle byte = 0x00
	MessageRefund byte = 0x01
)

const (
	tagSize    = 1
	countSize  = 4
	lengthSize = 4
)

// Message is a decoded settle or refund batch.
type Message struct {
	Kind       byte
	OrderIDs   []ID
	FillerData [][]byte
}

func KindName(kind byte) string {
	switch kind {
	case MessageSettle:
		return "settle"
	case MessageRefund:
		return "refund"
	default:
		return fmt.Sprintf("unknown(0x%02x)", kind)
	}
}

// EncodeSettle lays out
// [0x00][count:u32][orderId x count][len:u32 x count][fillerData x count].
func EncodeSettle(ids []ID, fillerData [][]byte) ([]byte, error) {
	if len(ids) != len(fillerData) {
		return nil, fmt.Errorf("%w: %d ids, %d filler data", ErrLengthMismatch, len(ids), len(fillerData))
	}
	size := tagSize + countSize + len(ids)*(32+lengthSize)
	for _, d := range fillerData {
		size += len(d)
	}
	buf := make([]byte, 0, size)
	buf = append(buf, MessageSettle)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(ids)))
	for _, id := range ids {
		buf = append(buf, id[:]...)
	}
	for _, d := range fillerData {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(d)))
	}
	for _, d := range fillerData {
		buf = append(buf, d...)
	}
	return buf, nil
}

// EncodeRefund lays out [0x01][count:u32][orderId x count].
func EncodeRefund(ids []ID) []byte {
	buf := make([]byte, 0, tagSize+countSize+32*len(ids))
	buf = append(buf, MessageRefund)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(ids)))
	for _, id := range ids {
		buf = append(buf, id[:]...)
	}
	return buf
}

// DecodeMessage parses a whole payload. Trailing bytes, truncated sections and
// unknown tags are all rejected with ErrMalformedMessage.
func DecodeMessage(payload []byte) (Message, error) {
	if len(payload) < tagSize+countSize {
		return Message{}, fmt.Errorf("%w: %d bytes is shorter than the header", ErrMalformedMessage, len(payload))
	}
	kind := payload[0]
	count := int(binary.BigEndian.Uint32(payload[tagSize:]))
	rest := payload[tagSize+countSize:]

	switch kind {
	case MessageSettle, MessageRefund:
	default:
		return Message{}, fmt.Errorf("%w: unknown tag 0x%02x", ErrMalformedMessage, kind)
	}

	if len(rest)/32 < count {
		return Message{}, fmt.Errorf("%w: %d order ids announced, %d bytes left", ErrMalformedMessage, count, len(rest))
	}
	msg := Message{Kind: kind, OrderIDs: make([]ID, count)}
	for i := range msg.OrderIDs {
		copy(msg.OrderIDs[i][:], rest[i*32:])
	}
	rest = rest[count*32:]

	if kind == MessageRefund {
		if len(rest) != 0 {
			return Message{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformedMessage, len(rest))
		}
		return msg, nil
	}

	if len(rest)/lengthSize < count {
		return Message{}, fmt.Errorf("%w: missing filler data lengths", ErrMalformedMessage)
	}
	lengths := make([]int, count)
	total := 0
	for i := range lengths {
		lengths[i] = int(binary.BigEndian.Uint32(rest[i*lengthSize:]))
		total += lengths[i]
	}
	rest = rest[count*lengthSize:]
	if total != len(rest) {
		return Message{}, fmt.Errorf("%w: filler data lengths sum to %d, %d bytes left", ErrMalformedMessage, total, len(rest))
	}

	msg.FillerData = make([][]byte, count)
	for i, n := range lengths {
		msg.FillerData[i] = append([]byte{}, rest[:n]...)
		rest = rest[n:]
	}
	return msg, nil
}

func DecodeSettle(payload []byte) ([]ID, [][]byte, error) {
	msg, err := DecodeMessage(payload)
	if err != nil {
		return nil, nil, err
	}
	if msg.Kind != MessageSettle {
		return nil, nil, fmt.Errorf("%w: expected settle, got %s", ErrMalformedMessage, KindName(msg.Kind))
	}
	return msg.OrderIDs, msg.FillerData, nil
}

func DecodeRefund(payload []byte) ([]ID, error) {
	msg, err := DecodeMessage(payload)
	if err != nil {
		return nil, err
	}
	if msg.Kind != MessageRefund {
		return nil, fmt.Errorf("%w: expected refund, got %s", ErrMalformedMessage, KindName(msg.Kind))
	}
	return msg.OrderIDs, nil
}
