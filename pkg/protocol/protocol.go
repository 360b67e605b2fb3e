// Package protocol defines the JSON payloads exchanged with the concierge.
//
// Every frame on the wire is a single JSON object whose "type" field selects
// the concrete payload. Payloads are modelled as a closed set of Go types
// implementing Payload; Decode returns the concrete type so callers can use
// an exhaustive type switch.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Protocol constants shared by the service and its clients.
const (
	Version     = "0.2.0"
	MinVersion  = "^0.2.0"
	Subprotocol = "ert-concierge"
	FsKeyHeader = "x-fs-key"
	DefaultPort = 64209
)

// Payload type tags.
const (
	TypeIdentify              = "IDENTIFY"
	TypeHello                 = "HELLO"
	TypeMessage               = "MESSAGE"
	TypeSubscribe             = "SUBSCRIBE"
	TypeUnsubscribe           = "UNSUBSCRIBE"
	TypeGroupCreate           = "GROUP_CREATE"
	TypeGroupDelete           = "GROUP_DELETE"
	TypeFetchGroupSubscribers = "FETCH_GROUP_SUBSCRIBERS"
	TypeFetchClients          = "FETCH_CLIENTS"
	TypeFetchGroups           = "FETCH_GROUPS"
	TypeFetchSubscriptions    = "FETCH_SUBSCRIPTIONS"
	TypeGroupSubscribers      = "GROUP_SUBSCRIBERS"
	TypeClients               = "CLIENTS"
	TypeGroups                = "GROUPS"
	TypeSubscriptions         = "SUBSCRIPTIONS"
	TypeStatus                = "STATUS"
)

// Websocket close codes sent when identification fails.
const (
	CloseFatalDecode   = 4000
	CloseNoAuth        = 4001
	CloseBadSecret     = 4002
	CloseBadVersion    = 4003
	CloseAuthFailed    = 4004
	CloseDuplicateAuth = 4005
)

// ErrUnknownType is returned by Decode for an unrecognised "type" tag.
var ErrUnknownType = errors.New("unknown payload type")

// Payload is implemented by every frame type.
type Payload interface {
	PayloadType() string
}

// Identify must be the first frame a client sends.
type Identify struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Secret  string `json:"secret,omitempty"`
}

// Hello acknowledges a successful identification.
type Hello struct {
	UUID    uuid.UUID `json:"uuid"`
	Version string    `json:"version"`
}

// Message carries arbitrary data to a target. Origin is filled in by the
// service before delivery.
type Message struct {
	Origin *Origin         `json:"origin,omitempty"`
	Target Target          `json:"target"`
	Data   json.RawMessage `json:"data"`
}

type Subscribe struct {
	Group string `json:"group"`
}

type Unsubscribe struct {
	Group string `json:"group"`
}

type GroupCreate struct {
	Group string `json:"group"`
}

type GroupDelete struct {
	Group string `json:"group"`
}

type FetchGroupSubscribers struct {
	Group string `json:"group"`
}

type FetchClients struct{}

type FetchGroups struct{}

type FetchSubscriptions struct{}

type GroupSubscribers struct {
	Group   string       `json:"group"`
	Clients []ClientInfo `json:"clients"`
}

type Clients struct {
	Clients []ClientInfo `json:"clients"`
}

type Groups struct {
	Groups []string `json:"groups"`
}

type Subscriptions struct {
	Groups []string `json:"groups"`
}

// ClientInfo identifies a connected client.
type ClientInfo struct {
	Name string    `json:"name"`
	UUID uuid.UUID `json:"uuid"`
}

// Origin describes who sent a delivered message.
type Origin struct {
	UUID  uuid.UUID `json:"uuid"`
	Name  string    `json:"name"`
	Group string    `json:"group,omitempty"`
}

func (Identify) PayloadType() string              { return TypeIdentify }
func (Hello) PayloadType() string                 { return TypeHello }
func (Message) PayloadType() string               { return TypeMessage }
func (Subscribe) PayloadType() string             { return TypeSubscribe }
func (Unsubscribe) PayloadType() string           { return TypeUnsubscribe }
func (GroupCreate) PayloadType() string           { return TypeGroupCreate }
func (GroupDelete) PayloadType() string           { return TypeGroupDelete }
func (FetchGroupSubscribers) PayloadType() string { return TypeFetchGroupSubscribers }
func (FetchClients) PayloadType() string          { return TypeFetchClients }
func (FetchGroups) PayloadType() string           { return TypeFetchGroups }
func (FetchSubscriptions) PayloadType() string    { return TypeFetchSubscriptions }
func (GroupSubscribers) PayloadType() string      { return TypeGroupSubscribers }
func (Clients) PayloadType() string               { return TypeClients }
func (Groups) PayloadType() string                { return TypeGroups }
func (Subscriptions) PayloadType() string         { return TypeSubscriptions }
func (Status) PayloadType() string                { return TypeStatus }

// Marshal encodes a payload with its "type" tag as the first field.
func Marshal(p Payload) ([]byte, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", p.PayloadType(), err)
	}
	return withType(p.PayloadType(), body), nil
}

// withType splices a "type" member into an encoded JSON object.
func withType(typ string, body []byte) []byte {
	tag, _ := json.Marshal(typ)
	out := make([]byte, 0, len(body)+len(tag)+10)
	out = append(out, `{"type":`...)
	out = append(out, tag...)
	if len(body) > 2 {
		out = append(out, ',')
		out = append(out, body[1:]...)
	} else {
		out = append(out, '}')
	}
	return out
}

// PeekType reads only the "type" tag of a frame.
func PeekType(data []byte) (string, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return "", fmt.Errorf("decode payload type: %w", err)
	}
	if head.Type == "" {
		return "", fmt.Errorf("payload has no type tag")
	}
	return head.Type, nil
}

// Decode parses a concierge frame into its concrete payload type.
func Decode(data []byte) (Payload, error) {
	typ, err := PeekType(data)
	if err != nil {
		return nil, err
	}

	var p Payload
	switch typ {
	case TypeIdentify:
		p = &Identify{}
	case TypeHello:
		p = &Hello{}
	case TypeMessage:
		p = &Message{}
	case TypeSubscribe:
		p = &Subscribe{}
	case TypeUnsubscribe:
		p = &Unsubscribe{}
	case TypeGroupCreate:
		p = &GroupCreate{}
	case TypeGroupDelete:
		p = &GroupDelete{}
	case TypeFetchGroupSubscribers:
		p = &FetchGroupSubscribers{}
	case TypeFetchClients:
		return FetchClients{}, nil
	case TypeFetchGroups:
		return FetchGroups{}, nil
	case TypeFetchSubscriptions:
		return FetchSubscriptions{}, nil
	case TypeGroupSubscribers:
		p = &GroupSubscribers{}
	case TypeClients:
		p = &Clients{}
	case TypeGroups:
		p = &Groups{}
	case TypeSubscriptions:
		p = &Subscriptions{}
	case TypeStatus:
		p = &Status{}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, typ)
	}

	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", typ, err)
	}
	return deref(p), nil
}

// deref returns the value form of pointer payloads so type switches match on
// value types.
func deref(p Payload) Payload {
	switch v := p.(type) {
	case *Identify:
		return *v
	case *Hello:
		return *v
	case *Message:
		return *v
	case *Subscribe:
		return *v
	case *Unsubscribe:
		return *v
	case *GroupCreate:
		return *v
	case *GroupDelete:
		return *v
	case *FetchGroupSubscribers:
		return *v
	case *GroupSubscribers:
		return *v
	case *Clients:
		return *v
	case *Groups:
		return *v
	case *Subscriptions:
		return *v
	case *Status:
		return *v
	}
	return p
}
