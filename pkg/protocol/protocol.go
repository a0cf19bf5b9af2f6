// Package protocol defines the relay wire format: a stream of concatenated
// UTF-8 JSON objects, each carrying a mandatory "type" field.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Kind is the value of a record's "type" field.
type Kind string

// Client to server kinds. MESSAGE, BROADCAST, FILE, GROUP_MESSAGE and the RTC
// kinds are also used server to client when forwarding.
const (
	KindLogin        Kind = "LOGIN"
	KindGetUsers     Kind = "GET_USERS"
	KindMessage      Kind = "MESSAGE"
	KindBroadcast    Kind = "BROADCAST"
	KindFile         Kind = "FILE"
	KindCreateGroup  Kind = "CREATE_GROUP"
	KindJoinGroup    Kind = "JOIN_GROUP"
	KindGroupMessage Kind = "GROUP_MESSAGE"
	KindRTCOffer     Kind = "RTC_OFFER"
	KindRTCAnswer    Kind = "RTC_ANSWER"
	KindRTCIce       Kind = "RTC_ICE"
	KindRTCEnd       Kind = "RTC_END"
)

// Server to client kinds.
const (
	KindLoginOK Kind = "LOGIN_OK"
	KindUsers   Kind = "USERS"
	KindError   Kind = "ERROR"
	KindInfo    Kind = "INFO"
)

const (
	// DefaultPort is the relay's TCP port.
	DefaultPort = 4105

	// MaxRecordSize is the default bound on buffered bytes of a single
	// incomplete record (16 MiB, room for a base64 file payload).
	MaxRecordSize = 16 << 20
)

// IsSignal reports whether k is one of the WebRTC signaling kinds.
func (k Kind) IsSignal() bool {
	switch k {
	case KindRTCOffer, KindRTCAnswer, KindRTCIce, KindRTCEnd:
		return true
	}
	return false
}

// Encode serializes a record. HTML escaping is disabled so opaque payloads
// leave the relay byte-for-byte as they arrived, modulo insignificant
// whitespace. The trailing newline is harmless to incremental decoders.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("protocol: marshal: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteRecord encodes v and writes it to w in a single Write call.
func WriteRecord(w io.Writer, v any) error {
	data, err := Encode(v)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("protocol: write: %w", err)
	}
	return nil
}
