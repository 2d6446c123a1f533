package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/jackc/pgproto3/v2"
	"github.com/stretchr/testify/require"
)

func readMessageBytes(b []byte) (byte, []byte, error) {
	return ReadMessage(bytes.NewReader(b))
}

// queryFrame builds a well-formed simple-query frame for query.
func queryFrame(query string) []byte {
	buf := []byte{QueryMessage}
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(query)+5))
	buf = append(buf, query...)
	return append(buf, 0)
}

func TestParseQuery(t *testing.T) {
	tests := []struct {
		name    string
		input   []byte
		want    string
		wantErr error
	}{
		{
			name:  "simple query",
			input: queryFrame("SHOW STATS"),
			want:  "SHOW STATS",
		},
		{
			name:  "empty query",
			input: queryFrame(""),
			want:  "",
		},
		{
			name:  "trailing bytes ignored",
			input: append(queryFrame("RELOAD"), 0xde, 0xad),
			want:  "RELOAD",
		},
		{
			name:    "empty buffer",
			input:   nil,
			wantErr: ErrQueryDecode,
		},
		{
			name:    "wrong tag",
			input:   []byte{'X', 0, 0, 0, 4},
			wantErr: ErrProtocolSync,
		},
		{
			name:    "truncated header",
			input:   []byte{'Q', 0, 0},
			wantErr: ErrQueryDecode,
		},
		{
			name:    "length below frame minimum",
			input:   []byte{'Q', 0, 0, 0, 4, 0},
			wantErr: ErrQueryDecode,
		},
		{
			name:    "negative length",
			input:   []byte{'Q', 0xff, 0xff, 0xff, 0xff, 0},
			wantErr: ErrQueryDecode,
		},
		{
			name:    "length exceeds buffer",
			input:   []byte{'Q', 0, 0, 0, 42, 'S', 'E', 'T', 0},
			wantErr: ErrQueryDecode,
		},
		{
			name:    "invalid utf8 payload",
			input:   []byte{'Q', 0, 0, 0, 7, 0xff, 0xfe, 0},
			wantErr: ErrQueryDecode,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseQuery(tt.input)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

// The encoders must produce bytes a real client implementation accepts, so
// every encode test round-trips through pgproto3's backend message decoders.

func TestEncodeRowDescription(t *testing.T) {
	msg := EncodeRowDescription([]Column{
		{Name: "name", Type: Text},
		{Name: "pool_size", Type: Int4},
		{Name: "total_wait_time", Type: Numeric},
	})
	require.EqualValues(t, RowDescription, msg[0])

	var rd pgproto3.RowDescription
	require.NoError(t, rd.Decode(msg[5:]))
	require.Len(t, rd.Fields, 3)

	require.Equal(t, []byte("name"), rd.Fields[0].Name)
	require.EqualValues(t, 25, rd.Fields[0].DataTypeOID)
	require.EqualValues(t, -1, rd.Fields[0].DataTypeSize)

	require.Equal(t, []byte("pool_size"), rd.Fields[1].Name)
	require.EqualValues(t, 23, rd.Fields[1].DataTypeOID)
	require.EqualValues(t, 4, rd.Fields[1].DataTypeSize)

	require.Equal(t, []byte("total_wait_time"), rd.Fields[2].Name)
	require.EqualValues(t, 1700, rd.Fields[2].DataTypeOID)

	for _, f := range rd.Fields {
		require.EqualValues(t, 0, f.Format, "columns are announced in text format")
	}
}

func TestEncodeDataRow(t *testing.T) {
	msg := EncodeDataRow([][]byte{[]byte("shard_0_primary"), nil, []byte("5432")})

	var dr pgproto3.DataRow
	require.NoError(t, dr.Decode(msg[5:]))
	require.Len(t, dr.Values, 3)
	require.Equal(t, []byte("shard_0_primary"), dr.Values[0])
	require.Nil(t, dr.Values[1])
	require.Equal(t, []byte("5432"), dr.Values[2])
}

func TestEncodeTextRow(t *testing.T) {
	msg := EncodeTextRow([]string{"a", "", "c"})

	var dr pgproto3.DataRow
	require.NoError(t, dr.Decode(msg[5:]))
	require.Len(t, dr.Values, 3)
	require.Equal(t, []byte(""), dr.Values[1], "empty string is not NULL")
}

func TestEncodeCommandComplete(t *testing.T) {
	msg := EncodeCommandComplete("SHOW")

	var cc pgproto3.CommandComplete
	require.NoError(t, cc.Decode(msg[5:]))
	require.Equal(t, []byte("SHOW"), cc.CommandTag)
}

func TestEncodeReadyForQuery(t *testing.T) {
	msg := EncodeReadyForQuery(StatusIdle)
	require.Equal(t, []byte{'Z', 0, 0, 0, 5, 'I'}, msg)

	var rfq pgproto3.ReadyForQuery
	require.NoError(t, rfq.Decode(msg[5:]))
	require.EqualValues(t, StatusIdle, rfq.TxStatus)
}

func TestEncodeErrorResponse(t *testing.T) {
	msg := EncodeErrorResponse("Unsupported query against the admin database")

	var er pgproto3.ErrorResponse
	require.NoError(t, er.Decode(msg[5:]))
	require.Equal(t, "ERROR", er.Severity)
	require.Equal(t, "58000", er.Code)
	require.Equal(t, "Unsupported query against the admin database", er.Message)
}

func TestReadMessageRejectsOversizedLength(t *testing.T) {
	frame := []byte{'Q', 0x7f, 0xff, 0xff, 0xff}
	_, _, err := readMessageBytes(frame)
	require.ErrorIs(t, err, ErrQueryDecode)
}

func TestReadMessageRoundTrip(t *testing.T) {
	frame := queryFrame("SHOW DATABASES")
	tag, body, err := readMessageBytes(frame)
	require.NoError(t, err)
	require.EqualValues(t, QueryMessage, tag)
	require.Equal(t, []byte("SHOW DATABASES\x00"), body)
}

func TestReadMessageShortRead(t *testing.T) {
	_, _, err := readMessageBytes([]byte{'Q', 0, 0, 0, 10, 'S'})
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrProtocolSync))
}
