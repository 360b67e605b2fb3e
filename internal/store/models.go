package store

import (
	"time"

	"gorm.io/datatypes"
)

// Session is one identified connection to the concierge.
type Session struct {
	ID       uint       `gorm:"primarykey" json:"id"`
	UUID     string     `gorm:"size:36;uniqueIndex" json:"uuid"`
	Name     string     `gorm:"size:128;index" json:"name"`
	Addr     string     `gorm:"size:128" json:"addr"`
	JoinedAt time.Time  `json:"joinedAt"`
	LeftAt   *time.Time `json:"leftAt,omitempty"`
}

// File is a file currently held in a client's fs directory.
type File struct {
	ID         uint           `gorm:"primarykey" json:"id"`
	Owner      string         `gorm:"size:128;uniqueIndex:idx_file_owner_path" json:"owner"`
	Path       string         `gorm:"size:512;uniqueIndex:idx_file_owner_path" json:"path"`
	Size       int64          `json:"size"`
	UploadedAt time.Time      `json:"uploadedAt"`
	Meta       datatypes.JSON `json:"meta"`
}

// Models lists every table migrated by Setup.
var Models = []any{
	&Session{},
	&File{},
}
