package protocol

import "github.com/google/uuid"

// Status kinds.
const (
	StatusMessageSent         = "MESSAGE_SENT"
	StatusSubscribed          = "SUBSCRIBED"
	StatusUnsubscribed        = "UNSUBSCRIBED"
	StatusGroupCreated        = "GROUP_CREATED"
	StatusGroupDeleted        = "GROUP_DELETED"
	StatusClientJoined        = "CLIENT_JOINED"
	StatusClientLeft          = "CLIENT_LEFT"
	StatusNoSuchName          = "NO_SUCH_NAME"
	StatusNoSuchUUID          = "NO_SUCH_UUID"
	StatusNoSuchGroup         = "NO_SUCH_GROUP"
	StatusGroupAlreadyCreated = "GROUP_ALREADY_CREATED"
	StatusUnsupported         = "UNSUPPORTED"
	StatusProtocol            = "PROTOCOL"
)

// Status reports the outcome of a request, or a service-wide notification
// when Seq is nil.
type Status struct {
	Seq  *int       `json:"seq,omitempty"`
	Data StatusData `json:"data"`
}

// StatusData is the body of a Status payload.
type StatusData struct {
	Kind   string      `json:"type"`
	Group  string      `json:"group,omitempty"`
	Name   string      `json:"name,omitempty"`
	UUID   *uuid.UUID  `json:"uuid,omitempty"`
	Client *ClientInfo `json:"client,omitempty"`
	Desc   string      `json:"desc,omitempty"`
}

// IsError reports whether the status describes a failed request.
func (s Status) IsError() bool {
	switch s.Data.Kind {
	case StatusNoSuchName, StatusNoSuchUUID, StatusNoSuchGroup,
		StatusGroupAlreadyCreated, StatusUnsupported, StatusProtocol:
		return true
	}
	return false
}

func seqPtr(seq int) *int {
	return &seq
}

func MessageSent(seq int) Status {
	return Status{Seq: seqPtr(seq), Data: StatusData{Kind: StatusMessageSent}}
}

func Subscribed(seq int, group string) Status {
	return Status{Seq: seqPtr(seq), Data: StatusData{Kind: StatusSubscribed, Group: group}}
}

// Unsubscribed has no sequence number when the group was deleted by its
// owner rather than left by request.
func Unsubscribed(seq *int, group string) Status {
	return Status{Seq: seq, Data: StatusData{Kind: StatusUnsubscribed, Group: group}}
}

func GroupCreated(seq int, group string) Status {
	return Status{Seq: seqPtr(seq), Data: StatusData{Kind: StatusGroupCreated, Group: group}}
}

func GroupDeleted(seq int, group string) Status {
	return Status{Seq: seqPtr(seq), Data: StatusData{Kind: StatusGroupDeleted, Group: group}}
}

func ClientJoined(info ClientInfo) Status {
	return Status{Data: StatusData{Kind: StatusClientJoined, Client: &info}}
}

func ClientLeft(info ClientInfo) Status {
	return Status{Data: StatusData{Kind: StatusClientLeft, Client: &info}}
}

func NoSuchName(seq int, name string) Status {
	return Status{Seq: seqPtr(seq), Data: StatusData{Kind: StatusNoSuchName, Name: name}}
}

func NoSuchUUID(seq int, id uuid.UUID) Status {
	return Status{Seq: seqPtr(seq), Data: StatusData{Kind: StatusNoSuchUUID, UUID: &id}}
}

func NoSuchGroup(seq int, group string) Status {
	return Status{Seq: seqPtr(seq), Data: StatusData{Kind: StatusNoSuchGroup, Group: group}}
}

func GroupAlreadyCreated(seq int, group string) Status {
	return Status{Seq: seqPtr(seq), Data: StatusData{Kind: StatusGroupAlreadyCreated, Group: group}}
}

func Unsupported(seq int) Status {
	return Status{Seq: seqPtr(seq), Data: StatusData{Kind: StatusUnsupported}}
}

// ProtocolError reports a frame that could not be decoded.
func ProtocolError(seq int, desc string) Status {
	return Status{Seq: seqPtr(seq), Data: StatusData{Kind: StatusProtocol, Desc: desc}}
}
