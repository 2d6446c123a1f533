package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"unicode/utf8"

	"github.com/gravitational/trace"
)

const (
	// minQueryLen is the smallest declared length a Query frame can carry:
	// the 4 length bytes plus the trailing NUL of an empty query string.
	minQueryLen = 5

	// maxMessageSize bounds a single framed message so a hostile length
	// prefix cannot make us allocate gigabytes.
	maxMessageSize = 1 << 24
)

var (
	// ErrProtocolSync reports an unexpected leading message byte. The
	// length-prefixed framing cannot be resynchronized after a miscount,
	// so the connection must be torn down.
	ErrProtocolSync = errors.New("protocol out of sync")

	// ErrQueryDecode reports a malformed simple-query frame: truncated
	// header, bogus declared length, or a payload that is not valid UTF-8.
	ErrQueryDecode = errors.New("malformed query message")
)

// ParseQuery decodes a simple-query frame: the 'Q' tag, a 4-byte big-endian
// length counting itself and the trailing NUL, then the query text. It is
// total over arbitrary input: any byte sequence yields either the query text
// or an error, never a panic or out-of-bounds read. Bytes past the declared
// frame are ignored.
func ParseQuery(buf []byte) (string, error) {
	if len(buf) == 0 {
		return "", trace.Wrap(ErrQueryDecode, "empty buffer")
	}
	if buf[0] != QueryMessage {
		return "", trace.Wrap(ErrProtocolSync, "expected Query tag %q, got %q", QueryMessage, buf[0])
	}
	if len(buf) < 1+minQueryLen {
		return "", trace.Wrap(ErrQueryDecode, "truncated frame: %d bytes", len(buf))
	}
	length := int(int32(binary.BigEndian.Uint32(buf[1:5])))
	if length < minQueryLen {
		return "", trace.Wrap(ErrQueryDecode, "declared length %d below frame minimum", length)
	}
	if length > len(buf)-1 {
		return "", trace.Wrap(ErrQueryDecode, "declared length %d exceeds %d available bytes", length, len(buf)-1)
	}
	// Query text is everything between the header and the NUL terminator.
	text := buf[5 : 1+length-1]
	if !utf8.Valid(text) {
		return "", trace.Wrap(ErrQueryDecode, "query text is not valid UTF-8")
	}
	return string(text), nil
}

// ReadMessage reads one typed, length-prefixed message from r and returns
// its tag and body (the bytes after the length word). The declared length
// is bounds-checked before any allocation.
func ReadMessage(r io.Reader) (byte, []byte, error) {
	var header [5]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, trace.Wrap(err)
	}
	length := int(int32(binary.BigEndian.Uint32(header[1:5])))
	if length < 4 || length > maxMessageSize {
		return 0, nil, trace.Wrap(ErrQueryDecode, "message length %d out of bounds", length)
	}
	body := make([]byte, length-4)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, trace.Wrap(err)
	}
	return header[0], body, nil
}

// ReadFrame reads one typed message and returns the complete frame bytes,
// tag and length header included, suitable for handing to ParseQuery.
func ReadFrame(r io.Reader) ([]byte, error) {
	tag, body, err := ReadMessage(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	frame := make([]byte, 0, 5+len(body))
	frame = append(frame, tag)
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(body)+4))
	return append(frame, body...), nil
}

// Column describes one field of a result set.
type Column struct {
	Name string
	Type DataType
}

// EncodeRowDescription builds a RowDescription message for the given columns.
// All columns are announced in text format.
func EncodeRowDescription(columns []Column) []byte {
	var body bytes.Buffer
	binary.Write(&body, binary.BigEndian, int16(len(columns)))
	for _, col := range columns {
		body.WriteString(col.Name)
		body.WriteByte(0)
		binary.Write(&body, binary.BigEndian, int32(0)) // table OID
		binary.Write(&body, binary.BigEndian, int16(0)) // attribute number
		binary.Write(&body, binary.BigEndian, col.Type.OID())
		binary.Write(&body, binary.BigEndian, col.Type.Size())
		binary.Write(&body, binary.BigEndian, int32(-1)) // type modifier
		binary.Write(&body, binary.BigEndian, int16(0))  // text format
	}
	return frame(RowDescription, body.Bytes())
}

// EncodeDataRow builds a DataRow message. A nil value encodes SQL NULL via
// the protocol's -1 length marker.
func EncodeDataRow(values [][]byte) []byte {
	var body bytes.Buffer
	binary.Write(&body, binary.BigEndian, int16(len(values)))
	for _, v := range values {
		if v == nil {
			binary.Write(&body, binary.BigEndian, int32(-1))
			continue
		}
		binary.Write(&body, binary.BigEndian, int32(len(v)))
		body.Write(v)
	}
	return frame(DataRow, body.Bytes())
}

// EncodeTextRow builds a DataRow from plain strings, all non-NULL.
func EncodeTextRow(values []string) []byte {
	row := make([][]byte, len(values))
	for i, v := range values {
		row[i] = []byte(v)
	}
	return EncodeDataRow(row)
}

// EncodeCommandComplete builds a CommandComplete message carrying tag,
// e.g. "SHOW" or "RELOAD".
func EncodeCommandComplete(tag string) []byte {
	body := make([]byte, 0, len(tag)+1)
	body = append(body, tag...)
	body = append(body, 0)
	return frame(CommandComplete, body)
}

// EncodeReadyForQuery builds a ReadyForQuery message with the given
// transaction status byte.
func EncodeReadyForQuery(status byte) []byte {
	return frame(ReadyForQuery, []byte{status})
}

// EncodeErrorResponse builds an ErrorResponse with severity ERROR and a
// generic SQLSTATE, carrying message as the human-readable text.
func EncodeErrorResponse(message string) []byte {
	var body bytes.Buffer
	body.WriteByte('S')
	body.WriteString("ERROR")
	body.WriteByte(0)
	body.WriteByte('C')
	body.WriteString("58000") // system_error
	body.WriteByte(0)
	body.WriteByte('M')
	body.WriteString(message)
	body.WriteByte(0)
	body.WriteByte(0)
	return frame(ErrorResponse, body.Bytes())
}

// frame prefixes body with the message tag and the 4-byte length that
// counts itself plus the body.
func frame(tag byte, body []byte) []byte {
	msg := make([]byte, 0, 5+len(body))
	msg = append(msg, tag)
	msg = binary.BigEndian.AppendUint32(msg, uint32(len(body)+4))
	return append(msg, body...)
}
