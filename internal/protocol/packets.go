// Package protocol implements the byte-level codec shared by the A2S query,
// master-server and RCON clients, together with the wire constants of those
// protocols. All multi-byte integers are little-endian unless a method says
// otherwise.
package protocol

import "errors"

// Top-level UDP datagram headers (first 4 bytes, signed little-endian).
const (
	HeaderSingle int32 = -1 // 0xFFFFFFFF: complete payload follows
	HeaderSplit  int32 = -2 // 0xFFFFFFFE: one fragment of a multi-packet response
)

// A2S request headers.
const (
	A2SInfoRequest      byte = 0x54 // 'T'
	A2SPlayerRequest    byte = 0x55 // 'U'
	A2SRulesRequest     byte = 0x56 // 'V'
	A2SChallengeRequest byte = 0x57 // 'W'
	A2SPingRequest      byte = 0x69 // 'i', deprecated
)

// A2S response headers.
const (
	A2SInfoResponse       byte = 0x49 // 'I', Source
	A2SInfoLegacyResponse byte = 0x6D // 'm', GoldSource
	A2SPlayerResponse     byte = 0x44 // 'D'
	A2SRulesResponse      byte = 0x45 // 'E'
	A2SChallengeResponse  byte = 0x41 // 'A'
	A2SPingResponse       byte = 0x6A // 'j'
)

// InfoQueryString is the payload carried by every A2S_INFO request.
const InfoQueryString = "Source Engine Query"

// Master server protocol.
const (
	MasterQueryRequest  byte = 0x31 // '1'
	MasterQueryResponse byte = 0x66 // 'f'
	// MasterResponseSeparator follows MasterQueryResponse on the wire.
	MasterResponseSeparator byte = 0x0A
	// MasterSentinel is both the initial cursor and the end-of-list marker.
	MasterSentinel = "0.0.0.0:0"
)

// RCON packet types. The auth response shares its numeric value with the
// command request and is told apart by request ID and call context.
const (
	RCONResponseValue int32 = 0
	RCONExecCommand   int32 = 2
	RCONAuthResponse  int32 = 2
	RCONAuth          int32 = 3
)

// RCONAuthFailedID is the request ID the server echoes on a rejected password.
const RCONAuthFailedID int32 = -1

// MaxDatagramSize bounds a single inbound UDP read.
const MaxDatagramSize = 65535

// ErrMalformed reports a read past the end of the buffer or a string
// without its NUL terminator.
var ErrMalformed = errors.New("protocol: malformed packet")
