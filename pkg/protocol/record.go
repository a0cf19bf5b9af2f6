package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/NicolasHaas/presencerelay/pkg/model"
)

var (
	ErrMalformed    = errors.New("malformed record")
	ErrMissingType  = errors.New("record has no type")
	ErrUnknownKind  = errors.New("unknown record type")
	ErrMissingField = errors.New("missing required field")
)

// Record is the flat union of every field any record kind may carry. Clients
// build requests with it and decode server records into it; the server
// narrows it to a typed Request with Decode.
type Record struct {
	Type         Kind             `json:"type"`
	Username     string           `json:"username,omitempty"`
	DisplayName  string           `json:"display_name,omitempty"`
	To           string           `json:"to,omitempty"`
	From         string           `json:"from,omitempty"`
	FromUsername string           `json:"from_username,omitempty"`
	Message      string           `json:"message,omitempty"`
	GroupName    string           `json:"group_name,omitempty"`
	Members      []string         `json:"members,omitempty"`
	Filename     string           `json:"filename,omitempty"`
	Data         string           `json:"data,omitempty"`
	SDP          json.RawMessage  `json:"sdp,omitempty"`
	Candidate    json.RawMessage  `json:"candidate,omitempty"`
	Users        []model.Presence `json:"users,omitempty"`
}

// ParseRecord unmarshals one framed record into the flat form.
func ParseRecord(raw []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if rec.Type == "" {
		return nil, ErrMissingType
	}
	return &rec, nil
}

// Request is a decoded client record. The concrete type identifies the kind.
type Request interface {
	Kind() Kind
}

type (
	Login struct {
		Username    string
		DisplayName string
	}

	GetUsers struct{}

	DirectMessage struct {
		To      string
		Message string
	}

	Broadcast struct {
		Message string
	}

	FileTransfer struct {
		To       string
		Filename string
		Data     string // base64, forwarded untouched
	}

	CreateGroup struct {
		Name    string
		Members []string
	}

	JoinGroup struct {
		Name string
	}

	GroupMessage struct {
		Name    string
		Message string
	}

	// Signal is any of the four RTC kinds. SDP and Candidate are opaque and
	// never inspected by the relay.
	Signal struct {
		Type      Kind
		To        string
		SDP       json.RawMessage
		Candidate json.RawMessage
	}
)

func (Login) Kind() Kind         { return KindLogin }
func (GetUsers) Kind() Kind      { return KindGetUsers }
func (DirectMessage) Kind() Kind { return KindMessage }
func (Broadcast) Kind() Kind     { return KindBroadcast }
func (FileTransfer) Kind() Kind  { return KindFile }
func (CreateGroup) Kind() Kind   { return KindCreateGroup }
func (JoinGroup) Kind() Kind     { return KindJoinGroup }
func (GroupMessage) Kind() Kind  { return KindGroupMessage }
func (s Signal) Kind() Kind      { return s.Type }

// Decode parses one framed record into its typed Request.
func Decode(raw []byte) (Request, error) {
	rec, err := ParseRecord(raw)
	if err != nil {
		return nil, err
	}
	return rec.Request()
}

// Request narrows the record to the typed request for its kind, checking
// that the kind's required fields are present.
func (r *Record) Request() (Request, error) {
	switch r.Type {
	case KindLogin:
		if r.Username == "" {
			return nil, missing(r.Type, "username")
		}
		return Login{Username: r.Username, DisplayName: r.DisplayName}, nil

	case KindGetUsers:
		return GetUsers{}, nil

	case KindMessage:
		if r.To == "" {
			return nil, missing(r.Type, "to")
		}
		return DirectMessage{To: r.To, Message: r.Message}, nil

	case KindBroadcast:
		return Broadcast{Message: r.Message}, nil

	case KindFile:
		switch {
		case r.To == "":
			return nil, missing(r.Type, "to")
		case r.Filename == "":
			return nil, missing(r.Type, "filename")
		case r.Data == "":
			return nil, missing(r.Type, "data")
		}
		return FileTransfer{To: r.To, Filename: r.Filename, Data: r.Data}, nil

	case KindCreateGroup:
		if r.GroupName == "" {
			return nil, missing(r.Type, "group_name")
		}
		return CreateGroup{Name: r.GroupName, Members: r.Members}, nil

	case KindJoinGroup:
		if r.GroupName == "" {
			return nil, missing(r.Type, "group_name")
		}
		return JoinGroup{Name: r.GroupName}, nil

	case KindGroupMessage:
		if r.GroupName == "" {
			return nil, missing(r.Type, "group_name")
		}
		return GroupMessage{Name: r.GroupName, Message: r.Message}, nil

	case KindRTCOffer, KindRTCAnswer, KindRTCIce, KindRTCEnd:
		if r.To == "" {
			return nil, missing(r.Type, "to")
		}
		if (r.Type == KindRTCOffer || r.Type == KindRTCAnswer) && len(r.SDP) == 0 {
			return nil, missing(r.Type, "sdp")
		}
		if r.Type == KindRTCIce && len(r.Candidate) == 0 {
			return nil, missing(r.Type, "candidate")
		}
		return Signal{Type: r.Type, To: r.To, SDP: r.SDP, Candidate: r.Candidate}, nil
	}
	return nil, fmt.Errorf("%w %s", ErrUnknownKind, r.Type)
}

func missing(k Kind, field string) error {
	return fmt.Errorf("%w %q in %s", ErrMissingField, field, k)
}
