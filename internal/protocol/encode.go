package protocol

import "encoding/binary"

// Precomputed frames for fixed-encoding outbound messages — computed once
// at package init rather than on every send, per spec.md §4.1/§9.
var (
	SyncMessage      = []byte{TagSync, 0, 0, 0, 4}
	FlushMessage     = []byte{TagFlush, 0, 0, 0, 4}
	TerminateMessage = []byte{TagTerminate, 0, 0, 0, 4}
	CopyDoneMessage  = []byte{TagCopyDone, 0, 0, 0, 4}

	// SSLRequest is the 8-byte magic the client sends immediately after
	// opening the socket, before any StartupMessage, to request a TLS
	// upgrade: length(8) + code(80877103).
	SSLRequestMessage = []byte{0, 0, 0, 8, 4, 210, 22, 47}
)

const pgSSLRequestCode = 80877103
const protocolVersion3 = 3<<16 | 0

func init() {
	// Sanity-pin the magic number so the precomputed bytes above and the
	// symbolic constant can never drift apart.
	var check [4]byte
	binary.BigEndian.PutUint32(check[:], pgSSLRequestCode)
	if check != [4]byte{SSLRequestMessage[4], SSLRequestMessage[5], SSLRequestMessage[6], SSLRequestMessage[7]} {
		panic("protocol: SSLRequestMessage does not match pgSSLRequestCode")
	}
}

func frame(tag byte, body []byte) []byte {
	buf := make([]byte, 1+4+len(body))
	buf[0] = tag
	binary.BigEndian.PutUint32(buf[1:5], uint32(4+len(body)))
	copy(buf[5:], body)
	return buf
}

// untaggedFrame encodes a frame with no leading tag byte, as used only
// during the startup phase (StartupMessage, CancelRequest).
func untaggedFrame(body []byte) []byte {
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf[0:4], uint32(4+len(body)))
	copy(buf[4:], body)
	return buf
}

func appendCString(buf []byte, s string) []byte {
	buf = append(buf, s...)
	return append(buf, 0)
}

// StartupParams holds the subset of ConnectionParameters relevant to the
// StartupMessage, in the order spec.md §6 lists them. Only non-empty
// fields are sent.
type StartupParams struct {
	User                            string
	Database                        string
	ApplicationName                 string
	Replication                     string
	StatementTimeoutMillis          int
	LockTimeoutMillis               int
	IdleInTransactionTimeoutMillis  int
	Options                         string
}

// EncodeStartupMessage builds a StartupMessage: protocol version, then
// key/value pairs for every populated field, then a single zero-byte
// terminator. database defaults to user when unset, per spec.md §8.
func EncodeStartupMessage(p StartupParams) []byte {
	user := p.User
	database := p.Database
	if database == "" {
		database = user
	}

	var body []byte
	verBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(verBuf, protocolVersion3)
	body = append(body, verBuf...)

	put := func(key, value string) {
		if value == "" {
			return
		}
		body = appendCString(body, key)
		body = appendCString(body, value)
	}

	put("user", user)
	put("database", database)
	put("application_name", p.ApplicationName)
	put("replication", p.Replication)
	if p.StatementTimeoutMillis > 0 {
		put("statement_timeout", itoa(p.StatementTimeoutMillis))
	}
	if p.LockTimeoutMillis > 0 {
		put("lock_timeout", itoa(p.LockTimeoutMillis))
	}
	if p.IdleInTransactionTimeoutMillis > 0 {
		put("idle_in_transaction_session_timeout", itoa(p.IdleInTransactionTimeoutMillis))
	}
	put("options", p.Options)

	body = append(body, 0)
	return untaggedFrame(body)
}

// EncodeCancelRequest builds the fixed-shape CancelRequest: length(4) +
// code(4) + processID(4) + secretKey(4). The special "cancel" protocol
// code (1234<<16 | 5678) replaces the protocol version field.
func EncodeCancelRequest(processID, secretKey uint32) []byte {
	const cancelRequestCode = 1234<<16 | 5678
	body := make([]byte, 12)
	binary.BigEndian.PutUint32(body[0:4], cancelRequestCode)
	binary.BigEndian.PutUint32(body[4:8], processID)
	binary.BigEndian.PutUint32(body[8:12], secretKey)
	return untaggedFrame(body)
}

// EncodePasswordMessage builds a PasswordMessage ('p') carrying a
// NUL-terminated password (cleartext or the "md5..." digest string).
func EncodePasswordMessage(password string) []byte {
	return frame(TagPassword, appendCString(nil, password))
}

// EncodeSASLInitialResponse builds a SASLInitialResponse, sent as a
// password message ('p') containing the mechanism name followed by the
// length-prefixed client-first-message.
func EncodeSASLInitialResponse(mechanism string, clientFirstMessage []byte) []byte {
	body := appendCString(nil, mechanism)
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(clientFirstMessage)))
	body = append(body, lenBuf...)
	body = append(body, clientFirstMessage...)
	return frame(TagPassword, body)
}

// EncodeSASLResponse builds a SASLResponse, sent as a raw password message
// ('p') carrying the client-final-message with no framing of its own.
func EncodeSASLResponse(data []byte) []byte {
	return frame(TagPassword, data)
}

// EncodeQuery builds a simple-protocol Query message.
func EncodeQuery(sql string) []byte {
	return frame(TagQuery, appendCString(nil, sql))
}

// EncodeParse builds a Parse message: statement name, query text, and the
// OIDs of parameter types the caller wants to pin (0 lets the server infer).
func EncodeParse(name, sql string, paramTypes []uint32) []byte {
	body := appendCString(nil, name)
	body = appendCString(body, sql)
	countBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(countBuf, uint16(len(paramTypes)))
	body = append(body, countBuf...)
	for _, oid := range paramTypes {
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, oid)
		body = append(body, b...)
	}
	return frame(TagParse, body)
}

// BindParam is one bound parameter value; Value == nil encodes SQL NULL
// (wire length -1).
type BindParam struct {
	Value  []byte
	Format FormatCode
}

// EncodeBind builds a Bind message binding portal to statement with the
// given parameter formats/values and requested result column formats.
func EncodeBind(portal, statement string, params []BindParam, resultFormats []FormatCode) []byte {
	body := appendCString(nil, portal)
	body = appendCString(body, statement)

	fmtCountBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(fmtCountBuf, uint16(len(params)))
	body = append(body, fmtCountBuf...)
	for _, p := range params {
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, uint16(p.Format))
		body = append(body, b...)
	}

	paramCountBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(paramCountBuf, uint16(len(params)))
	body = append(body, paramCountBuf...)
	for _, p := range params {
		if p.Value == nil {
			lenBuf := make([]byte, 4)
			binary.BigEndian.PutUint32(lenBuf, 0xFFFFFFFF) // int32 -1
			body = append(body, lenBuf...)
			continue
		}
		lenBuf := make([]byte, 4)
		binary.BigEndian.PutUint32(lenBuf, uint32(len(p.Value)))
		body = append(body, lenBuf...)
		body = append(body, p.Value...)
	}

	resultCountBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(resultCountBuf, uint16(len(resultFormats)))
	body = append(body, resultCountBuf...)
	for _, f := range resultFormats {
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, uint16(f))
		body = append(body, b...)
	}

	return frame(TagBind, body)
}

// DescribeTarget distinguishes describing a prepared statement from
// describing a portal.
type DescribeTarget byte

const (
	DescribeStatement DescribeTarget = 'S'
	DescribePortal     DescribeTarget = 'P'
)

// EncodeDescribe builds a Describe message for the named statement or portal.
func EncodeDescribe(target DescribeTarget, name string) []byte {
	body := append([]byte{byte(target)}, appendCString(nil, name)...)
	return frame(TagDescribe, body)
}

// EncodeExecute builds an Execute message; rowLimit == 0 requests all rows.
func EncodeExecute(portal string, rowLimit int32) []byte {
	body := appendCString(nil, portal)
	limitBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(limitBuf, uint32(rowLimit))
	body = append(body, limitBuf...)
	return frame(TagExecute, body)
}

// EncodeClose builds a Close message for the named statement or portal.
func EncodeClose(target DescribeTarget, name string) []byte {
	body := append([]byte{byte(target)}, appendCString(nil, name)...)
	return frame(TagClose, body)
}

// EncodeCopyData builds a CopyData message wrapping an application-supplied
// chunk of COPY payload bytes.
func EncodeCopyData(chunk []byte) []byte {
	return frame(TagCopyData, chunk)
}

// EncodeCopyFail builds a CopyFail message, aborting a COPY-in the client
// initiated with the given reason.
func EncodeCopyFail(reason string) []byte {
	return frame(TagCopyFail, appendCString(nil, reason))
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var b [20]byte
	i := len(b)
	for n > 0 {
		i--
		b[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		b[i] = '-'
	}
	return string(b[i:])
}
