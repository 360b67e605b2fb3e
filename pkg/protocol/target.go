package protocol

import (
	"github.com/google/uuid"
)

// Target kinds.
const (
	TargetName  = "NAME"
	TargetUUID  = "UUID"
	TargetGroup = "GROUP"
	TargetAll   = "ALL"
)

// Target selects the recipients of a Message.
type Target struct {
	Kind  string     `json:"type"`
	Name  string     `json:"name,omitempty"`
	UUID  *uuid.UUID `json:"uuid,omitempty"`
	Group string     `json:"group,omitempty"`
}

// ToName targets a single client by name.
func ToName(name string) Target {
	return Target{Kind: TargetName, Name: name}
}

// ToUUID targets a single client by id.
func ToUUID(id uuid.UUID) Target {
	return Target{Kind: TargetUUID, UUID: &id}
}

// ToGroup targets every subscriber of a group.
func ToGroup(group string) Target {
	return Target{Kind: TargetGroup, Group: group}
}

// ToAll targets every connected client.
func ToAll() Target {
	return Target{Kind: TargetAll}
}
