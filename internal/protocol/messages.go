// Package protocol implements the PostgreSQL frontend/backend wire protocol
// (version 3.0): message framing and the tagged message variants exchanged
// during startup, authentication, and the simple/extended query
// sub-protocols. The package is pure: it has no knowledge of sockets or TLS,
// only of bytes in and Messages out (see internal/transport for I/O).
package protocol

import "fmt"

// Backend message tags, as sent by the server.
const (
	TagAuthentication      byte = 'R'
	TagBackendKeyData      byte = 'K'
	TagParameterStatus     byte = 'S'
	TagReadyForQuery       byte = 'Z'
	TagRowDescription      byte = 'T'
	TagDataRow             byte = 'D'
	TagCommandComplete     byte = 'C'
	TagParseComplete       byte = '1'
	TagBindComplete        byte = '2'
	TagCloseComplete       byte = '3'
	TagPortalSuspended     byte = 's'
	TagNoData              byte = 'n'
	TagEmptyQueryResponse  byte = 'I'
	TagErrorResponse       byte = 'E'
	TagNoticeResponse      byte = 'N'
	TagNotificationResp    byte = 'A'
	TagParameterDesc       byte = 't'
	TagCopyInResponse      byte = 'G'
	TagCopyOutResponse     byte = 'H'
	TagCopyBothResponse    byte = 'W'
	TagCopyData            byte = 'd'
	TagCopyDone            byte = 'c'
	TagFunctionCallResp    byte = 'V'
	TagNegotiateProtocol   byte = 'v'
)

// Frontend message tags, as sent by the client. Startup-phase messages
// (StartupMessage, SSLRequest, CancelRequest) have no leading tag byte —
// they are length-prefixed only, per protocol convention.
const (
	TagPassword        byte = 'p' // also used for SASLInitialResponse/SASLResponse
	TagQuery           byte = 'Q'
	TagParse           byte = 'P'
	TagBind            byte = 'B'
	TagDescribe        byte = 'D'
	TagExecute         byte = 'E'
	TagSync            byte = 'S'
	TagFlush           byte = 'H'
	TagTerminate       byte = 'X'
	TagClose           byte = 'C'
	TagCopyFail        byte = 'f'
	TagFunctionCall    byte = 'F'
)

// FormatCode selects text or binary wire representation for a column or
// bind parameter.
type FormatCode int16

const (
	FormatText   FormatCode = 0
	FormatBinary FormatCode = 1
)

// AuthType is the subtype carried by an AuthenticationRequest message.
type AuthType int32

const (
	AuthOK                AuthType = 0
	AuthKerberosV5        AuthType = 2
	AuthCleartextPassword AuthType = 3
	AuthMD5Password       AuthType = 5
	AuthSCMCredential     AuthType = 6
	AuthGSS               AuthType = 7
	AuthGSSContinue       AuthType = 8
	AuthSSPI              AuthType = 9
	AuthSASL              AuthType = 10
	AuthSASLContinue      AuthType = 11
	AuthSASLFinal         AuthType = 12
)

// FieldDescriptor carries the per-column metadata a RowDescription message
// supplies ahead of the DataRows it describes.
type FieldDescriptor struct {
	Name         string
	TableOID     uint32
	ColumnID     int16
	DataTypeOID  uint32
	DataTypeSize int16
	TypeModifier int32
	Format       FormatCode
}

// ErrorField is the PostgreSQL single-character field code used in
// ErrorResponse/NoticeResponse ('S' severity, 'C' code, 'M' message, ...).
type ErrorField byte

// Fields recognized in ErrorResponse/NoticeResponse, see
// https://www.postgresql.org/docs/current/protocol-error-fields.html.
const (
	FieldSeverity       ErrorField = 'S'
	FieldSeverityV      ErrorField = 'V'
	FieldCode           ErrorField = 'C'
	FieldMessage        ErrorField = 'M'
	FieldDetail         ErrorField = 'D'
	FieldHint           ErrorField = 'H'
	FieldPosition       ErrorField = 'P'
	FieldInternalPos    ErrorField = 'p'
	FieldInternalQuery  ErrorField = 'q'
	FieldWhere          ErrorField = 'W'
	FieldSchemaName     ErrorField = 's'
	FieldTableName      ErrorField = 't'
	FieldColumnName     ErrorField = 'c'
	FieldDataTypeName   ErrorField = 'd'
	FieldConstraintName ErrorField = 'n'
	FieldFile           ErrorField = 'F'
	FieldLine           ErrorField = 'L'
	FieldRoutine        ErrorField = 'R'
)

// Message is the tagged union of every inbound and outbound frame this
// package knows how to encode or decode. Exactly one of the typed fields
// below is meaningful for a given Kind; callers type-switch or read the
// field that matches Kind.
type Message struct {
	Kind byte

	// AuthenticationRequest
	AuthType AuthType
	AuthData []byte // salt (MD5) or mechanism list / challenge (SASL)

	// BackendKeyData
	ProcessID uint32
	SecretKey uint32

	// ParameterStatus
	ParamName  string
	ParamValue string

	// ReadyForQuery
	TxStatus byte // 'I' idle, 'T' in transaction, 'E' in failed transaction

	// RowDescription
	Fields []FieldDescriptor

	// DataRow
	Columns [][]byte // nil element means SQL NULL

	// CommandComplete
	CommandTag string

	// ErrorResponse / NoticeResponse
	ErrorFields map[ErrorField]string

	// NotificationResponse
	NotifyPID     uint32
	NotifyChannel string
	NotifyPayload string

	// CopyData
	CopyBytes []byte

	// raw payload for messages this package passes through uninterpreted
	Raw []byte
}

func (m Message) String() string {
	return fmt.Sprintf("Message{Kind: %q}", string(m.Kind))
}

// ProtocolError reports a framing or decoding failure: a malformed frame,
// a length outside bounds, or an unexpected message for the current
// position in the stream.
type ProtocolError struct {
	Offset int64
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol: %s (offset %d)", e.Reason, e.Offset)
}
