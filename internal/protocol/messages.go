package protocol

// PostgreSQL wire protocol 3.0 message tags.
// https://www.postgresql.org/docs/current/protocol-message-formats.html

// Frontend (client -> server) message types.
const (
	QueryMessage     = 'Q'
	ParseMessage     = 'P'
	BindMessage      = 'B'
	ExecuteMessage   = 'E'
	DescribeMessage  = 'D'
	CloseMessage     = 'C'
	FlushMessage     = 'H'
	SyncMessage      = 'S'
	TerminateMessage = 'X'
	PasswordMessage  = 'p'
)

// Backend (server -> client) message types.
const (
	Authentication   = 'R'
	ParameterStatus  = 'S'
	BackendKeyData   = 'K'
	ReadyForQuery    = 'Z'
	RowDescription   = 'T'
	DataRow          = 'D'
	CommandComplete  = 'C'
	ErrorResponse    = 'E'
	NoticeResponse   = 'N'
	EmptyQuery       = 'I'
	Notification     = 'A'
	CopyData         = 'd'
	CopyDone         = 'c'
	CopyInResponse   = 'G'
	CopyOutResponse  = 'H'
	CopyBothResponse = 'W'
)

// Transaction status bytes carried by ReadyForQuery.
const (
	StatusIdle          = 'I'
	StatusInTransaction = 'T'
	StatusFailed        = 'E'
)

// DataType identifies the wire type of a result column.
type DataType int

const (
	Text DataType = iota
	Int4
	Numeric
)

// OID returns the pg_type OID for the data type.
func (d DataType) OID() int32 {
	switch d {
	case Int4:
		return 23
	case Numeric:
		return 1700
	default:
		return 25
	}
}

// Size returns the protocol-level type length, -1 for variable-length types.
func (d DataType) Size() int16 {
	switch d {
	case Int4:
		return 4
	default:
		return -1
	}
}
