package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/NicolasHaas/presencerelay/pkg/model"
)

// Records the server emits. Each carries its own Type so the JSON shape is
// fixed per kind.
type (
	LoginOK struct {
		Type        Kind   `json:"type"`
		Username    string `json:"username"`
		DisplayName string `json:"display_name"`
	}

	// UserList is a recipient-specific presence snapshot. Users is always
	// encoded as an array, never null.
	UserList struct {
		Type  Kind             `json:"type"`
		Users []model.Presence `json:"users"`
	}

	// Chat forwards MESSAGE and BROADCAST. From is the sender's display name.
	Chat struct {
		Type         Kind   `json:"type"`
		From         string `json:"from"`
		FromUsername string `json:"from_username"`
		Message      string `json:"message"`
	}

	File struct {
		Type         Kind   `json:"type"`
		From         string `json:"from"`
		FromUsername string `json:"from_username"`
		Filename     string `json:"filename"`
		Data         string `json:"data"`
	}

	GroupChat struct {
		Type         Kind   `json:"type"`
		From         string `json:"from"`
		FromUsername string `json:"from_username"`
		GroupName    string `json:"group_name"`
		Message      string `json:"message"`
	}

	// SignalEvent forwards an RTC record. From is the sender's username;
	// DisplayName is set for offers and answers only.
	SignalEvent struct {
		Type        Kind            `json:"type"`
		From        string          `json:"from"`
		DisplayName string          `json:"display_name,omitempty"`
		SDP         json.RawMessage `json:"sdp,omitempty"`
		Candidate   json.RawMessage `json:"candidate,omitempty"`
	}

	// Notice is an ERROR or INFO reply.
	Notice struct {
		Type    Kind   `json:"type"`
		Message string `json:"message"`
	}
)

func NewLoginOK(username, displayName string) LoginOK {
	return LoginOK{Type: KindLoginOK, Username: username, DisplayName: displayName}
}

func NewUserList(users []model.Presence) UserList {
	if users == nil {
		users = []model.Presence{}
	}
	return UserList{Type: KindUsers, Users: users}
}

// Errorf builds an ERROR notice.
func Errorf(format string, args ...any) Notice {
	return Notice{Type: KindError, Message: fmt.Sprintf(format, args...)}
}

// Infof builds an INFO notice.
func Infof(format string, args ...any) Notice {
	return Notice{Type: KindInfo, Message: fmt.Sprintf(format, args...)}
}

// ForwardSignal annotates an RTC request with its sender.
func ForwardSignal(s Signal, fromUsername, fromDisplay string) SignalEvent {
	ev := SignalEvent{
		Type:      s.Type,
		From:      fromUsername,
		SDP:       s.SDP,
		Candidate: s.Candidate,
	}
	if s.Type == KindRTCOffer || s.Type == KindRTCAnswer {
		ev.DisplayName = fromDisplay
	}
	return ev
}
