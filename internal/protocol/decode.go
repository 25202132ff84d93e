package protocol

import (
	"encoding/binary"
	"fmt"
)

// DefaultMaxFrameSize caps an inbound frame's declared length, guarding
// against a corrupt or hostile length field forcing an unbounded buffer
// allocation. Callers may raise this via NewDecoder for workloads with
// legitimately large rows.
const DefaultMaxFrameSize = 1 << 28 // 256MiB, matches libpq's PQ_LARGE_MESSAGE_LIMIT order of magnitude

// Decoder turns a stream of bytes into a sequence of Messages. It is not
// safe for concurrent use; callers feed bytes from a single reader
// goroutine and drain Next() until it reports no more complete frames.
type Decoder struct {
	buf          []byte
	maxFrameSize int
	offset       int64
}

// NewDecoder creates a Decoder. maxFrameSize <= 0 selects DefaultMaxFrameSize.
func NewDecoder(maxFrameSize int) *Decoder {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Decoder{maxFrameSize: maxFrameSize}
}

// Feed appends newly read bytes to the internal buffer.
func (d *Decoder) Feed(b []byte) {
	d.buf = append(d.buf, b...)
}

// Next attempts to decode one complete frame from the buffered bytes. It
// returns ok=false (with a nil error) when the buffer holds only a partial
// frame — the caller should Feed more bytes and retry. A non-nil error is
// always fatal to the stream.
func (d *Decoder) Next() (msg *Message, ok bool, err error) {
	if len(d.buf) < 5 {
		return nil, false, nil
	}

	tag := d.buf[0]
	length := int(binary.BigEndian.Uint32(d.buf[1:5]))
	if length < 4 {
		return nil, false, &ProtocolError{Offset: d.offset, Reason: fmt.Sprintf("frame length %d shorter than its own length field", length)}
	}
	if length-4 > d.maxFrameSize {
		return nil, false, &ProtocolError{Offset: d.offset, Reason: fmt.Sprintf("frame length %d exceeds cap %d", length-4, d.maxFrameSize)}
	}

	total := 1 + length
	if len(d.buf) < total {
		return nil, false, nil
	}

	payload := d.buf[5:total]
	m, err := decodeBody(tag, payload, d.offset)
	if err != nil {
		return nil, false, err
	}

	d.offset += int64(total)
	d.buf = d.buf[total:]
	return m, true, nil
}

// Pending reports how many bytes are buffered waiting for more data to
// complete a frame — useful for diagnostics and backpressure decisions.
func (d *Decoder) Pending() int {
	return len(d.buf)
}

func decodeBody(tag byte, payload []byte, offset int64) (*Message, error) {
	m := &Message{Kind: tag}

	switch tag {
	case TagAuthentication:
		if len(payload) < 4 {
			return nil, &ProtocolError{Offset: offset, Reason: "authentication message too short"}
		}
		m.AuthType = AuthType(binary.BigEndian.Uint32(payload[:4]))
		m.AuthData = append([]byte(nil), payload[4:]...)

	case TagBackendKeyData:
		if len(payload) < 8 {
			return nil, &ProtocolError{Offset: offset, Reason: "BackendKeyData too short"}
		}
		m.ProcessID = binary.BigEndian.Uint32(payload[0:4])
		m.SecretKey = binary.BigEndian.Uint32(payload[4:8])

	case TagParameterStatus:
		name, rest, err := readCString(payload, offset)
		if err != nil {
			return nil, err
		}
		value, _, err := readCString(rest, offset)
		if err != nil {
			return nil, err
		}
		m.ParamName = name
		m.ParamValue = value

	case TagReadyForQuery:
		if len(payload) < 1 {
			return nil, &ProtocolError{Offset: offset, Reason: "ReadyForQuery missing transaction status"}
		}
		m.TxStatus = payload[0]

	case TagRowDescription:
		fields, err := decodeRowDescription(payload, offset)
		if err != nil {
			return nil, err
		}
		m.Fields = fields

	case TagDataRow:
		cols, err := decodeDataRow(payload, offset)
		if err != nil {
			return nil, err
		}
		m.Columns = cols

	case TagCommandComplete:
		tagStr, _, err := readCString(payload, offset)
		if err != nil {
			return nil, err
		}
		m.CommandTag = tagStr

	case TagParseComplete, TagBindComplete, TagCloseComplete, TagPortalSuspended,
		TagNoData, TagEmptyQueryResponse, TagCopyDone:
		// no payload fields to decode

	case TagErrorResponse, TagNoticeResponse:
		fields, err := decodeErrorFields(payload, offset)
		if err != nil {
			return nil, err
		}
		m.ErrorFields = fields

	case TagNotificationResp:
		if len(payload) < 4 {
			return nil, &ProtocolError{Offset: offset, Reason: "NotificationResponse too short"}
		}
		m.NotifyPID = binary.BigEndian.Uint32(payload[:4])
		channel, rest, err := readCString(payload[4:], offset)
		if err != nil {
			return nil, err
		}
		payloadStr, _, err := readCString(rest, offset)
		if err != nil {
			return nil, err
		}
		m.NotifyChannel = channel
		m.NotifyPayload = payloadStr

	case TagCopyData:
		m.CopyBytes = append([]byte(nil), payload...)

	case TagCopyInResponse, TagCopyOutResponse, TagCopyBothResponse, TagParameterDesc, TagFunctionCallResp, TagNegotiateProtocol:
		m.Raw = append([]byte(nil), payload...)

	default:
		return nil, &ProtocolError{Offset: offset, Reason: fmt.Sprintf("unknown message tag %q", string(tag))}
	}

	return m, nil
}

func decodeRowDescription(payload []byte, offset int64) ([]FieldDescriptor, error) {
	if len(payload) < 2 {
		return nil, &ProtocolError{Offset: offset, Reason: "RowDescription missing field count"}
	}
	count := int(binary.BigEndian.Uint16(payload[:2]))
	payload = payload[2:]

	fields := make([]FieldDescriptor, 0, count)
	for i := 0; i < count; i++ {
		name, rest, err := readCString(payload, offset)
		if err != nil {
			return nil, err
		}
		if len(rest) < 18 {
			return nil, &ProtocolError{Offset: offset, Reason: "RowDescription field truncated"}
		}
		fd := FieldDescriptor{
			Name:         name,
			TableOID:     binary.BigEndian.Uint32(rest[0:4]),
			ColumnID:     int16(binary.BigEndian.Uint16(rest[4:6])),
			DataTypeOID:  binary.BigEndian.Uint32(rest[6:10]),
			DataTypeSize: int16(binary.BigEndian.Uint16(rest[10:12])),
			TypeModifier: int32(binary.BigEndian.Uint32(rest[12:16])),
			Format:       FormatCode(int16(binary.BigEndian.Uint16(rest[16:18]))),
		}
		fields = append(fields, fd)
		payload = rest[18:]
	}
	return fields, nil
}

func decodeDataRow(payload []byte, offset int64) ([][]byte, error) {
	if len(payload) < 2 {
		return nil, &ProtocolError{Offset: offset, Reason: "DataRow missing column count"}
	}
	count := int(binary.BigEndian.Uint16(payload[:2]))
	payload = payload[2:]

	cols := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		if len(payload) < 4 {
			return nil, &ProtocolError{Offset: offset, Reason: "DataRow column length truncated"}
		}
		n := int32(binary.BigEndian.Uint32(payload[:4]))
		payload = payload[4:]
		if n < 0 {
			cols = append(cols, nil)
			continue
		}
		if int(n) > len(payload) {
			return nil, &ProtocolError{Offset: offset, Reason: "DataRow column length exceeds payload"}
		}
		cols = append(cols, append([]byte(nil), payload[:n]...))
		payload = payload[n:]
	}
	return cols, nil
}

func decodeErrorFields(payload []byte, offset int64) (map[ErrorField]string, error) {
	fields := make(map[ErrorField]string)
	for len(payload) > 0 {
		code := payload[0]
		if code == 0 {
			break
		}
		value, rest, err := readCString(payload[1:], offset)
		if err != nil {
			return nil, err
		}
		fields[ErrorField(code)] = value
		payload = rest
	}
	return fields, nil
}

// readCString reads bytes up to (and consuming) the next NUL terminator,
// returning the string and the remainder of buf.
func readCString(buf []byte, offset int64) (string, []byte, error) {
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i]), buf[i+1:], nil
		}
	}
	return "", nil, &ProtocolError{Offset: offset, Reason: "unterminated string field"}
}
