// Package protocol implements the JIM wire format: UTF-8 JSON objects of at
// most MaxPacketSize bytes, one object per transport read or write, with no
// length prefix or delimiter.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
)

// MaxPacketSize bounds a single wire frame.
const MaxPacketSize = 1280

// ISOTimeLayout is how the numeric "time" field is rendered after decoding.
const ISOTimeLayout = "2006-01-02T15:04:05"

// Top-level and nested message keys.
const (
	KeyAction      = "action"
	KeyTime        = "time"
	KeyUser        = "user"
	KeyAccountName = "account_name"
	KeyPassword    = "password"
	KeyStatus      = "status"
	KeyFrom        = "from"
	KeyTo          = "to"
	KeyRoom        = "room"
	KeyEncoding    = "encoding"
	KeyMessage     = "message"
	KeyContact     = "contact"
	KeyResponse    = "response"
	KeyAlert       = "alert"
	KeyError       = "error"
)

// Request actions.
const (
	ActionAuth       = "authenticate"
	ActionPresence   = "presence"
	ActionProbe      = "probe"
	ActionQuit       = "quit"
	ActionMsg        = "msg"
	ActionJoin       = "join"
	ActionLeave      = "leave"
	ActionContacts   = "get_contacts"
	ActionAddContact = "add_contact"
	ActionDelContact = "del_contact"
)

// Response codes follow HTTP status semantics.
const (
	StatusOK                  = 200
	StatusBadRequest          = 400
	StatusForbidden           = 403
	StatusInternalServerError = 500
)

var (
	ErrMalformedPayload = errors.New("malformed payload")
	ErrNotAMapping      = errors.New("message is not a mapping")
	ErrPeerClosed       = errors.New("peer closed connection")
)

// MissingFieldsError reports required keys absent from a message of the
// given kind (an action name, or "alert"/"error" for responses).
type MissingFieldsError struct {
	Kind    string
	Missing []string
}

func (e *MissingFieldsError) Error() string {
	missing := append([]string(nil), e.Missing...)
	sort.Strings(missing)
	return fmt.Sprintf("%s: missing required fields: %s", e.Kind, strings.Join(missing, ", "))
}

// Message is a single JIM wire unit. It is map-shaped because validation is
// structural: an empty status is a present key, which a struct field cannot
// express. Use the New* constructors to build outbound messages.
type Message map[string]any

// Action returns the request discriminant, or "" for responses.
func (m Message) Action() string {
	s, _ := m[KeyAction].(string)
	return s
}

// Response returns the reply status code, or 0 for requests.
func (m Message) Response() int {
	switch v := m[KeyResponse].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// Str returns the string value under key, or "" when absent or non-string.
func (m Message) Str(key string) string {
	s, _ := m[key].(string)
	return s
}

// User returns the nested user object for presence/authenticate messages.
func (m Message) User() Message {
	switch u := m[KeyUser].(type) {
	case Message:
		return u
	case map[string]any:
		return Message(u)
	}
	return nil
}

func NewPresence(accountName, status string) Message {
	return Message{
		KeyAction: ActionPresence,
		KeyUser:   Message{KeyAccountName: accountName, KeyStatus: status},
	}
}

func NewAuthenticate(accountName, password string) Message {
	return Message{
		KeyAction: ActionAuth,
		KeyUser:   Message{KeyAccountName: accountName, KeyPassword: password},
	}
}

func NewChat(from, to, text string) Message {
	return Message{
		KeyAction:   ActionMsg,
		KeyFrom:     from,
		KeyTo:       to,
		KeyMessage:  text,
		KeyEncoding: "utf-8",
	}
}

func NewProbe() Message {
	return Message{KeyAction: ActionProbe}
}

func NewQuit() Message {
	return Message{KeyAction: ActionQuit}
}

func NewJoin(room string) Message {
	return Message{KeyAction: ActionJoin, KeyRoom: room}
}

func NewLeave(room string) Message {
	return Message{KeyAction: ActionLeave, KeyRoom: room}
}

func NewContacts(accountName string) Message {
	return Message{KeyAction: ActionContacts, KeyAccountName: accountName}
}

func NewAddContact(accountName, contact string) Message {
	return Message{KeyAction: ActionAddContact, KeyAccountName: accountName, KeyContact: contact}
}

func NewDelContact(accountName, contact string) Message {
	return Message{KeyAction: ActionDelContact, KeyAccountName: accountName, KeyContact: contact}
}

// NewResponse builds a reply message. Codes in [400,600) carry the
// description under "error", all others under "alert". An empty description
// falls back to the standard status phrase.
func NewResponse(code int, description string) Message {
	if description == "" {
		description = http.StatusText(code)
	}
	key := KeyAlert
	if code >= 400 && code < 600 {
		key = KeyError
	}
	return Message{KeyResponse: code, key: description}
}

// Encode serializes msg after stamping "time" with the current epoch seconds.
// The input is not mutated.
func Encode(msg Message) ([]byte, error) {
	stamped := make(Message, len(msg)+1)
	for k, v := range msg {
		stamped[k] = v
	}
	stamped[KeyTime] = float64(time.Now().UnixNano()) / 1e9
	return json.Marshal(stamped)
}

// Decode parses a wire frame. The numeric "time" field is replaced with its
// ISO-8601 rendering; a missing or non-numeric time decodes as the epoch.
func Decode(data []byte) (Message, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: top-level value is not an object", ErrMalformedPayload)
	}
	msg := Message(obj)
	epoch, _ := obj[KeyTime].(float64)
	msg[KeyTime] = isoTime(epoch)
	return msg, nil
}

func isoTime(epoch float64) string {
	sec := int64(epoch)
	nsec := int64((epoch - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).Format(ISOTimeLayout)
}
