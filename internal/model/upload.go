package model

import (
	"time"

	"github.com/dharsanguruparan/attachvault/internal/config"
)

// SessionState tracks a resumable upload through its lifecycle.
type SessionState string

const (
	SessionReceiving SessionState = "receiving"
	SessionCompleted SessionState = "completed"
	SessionAborted   SessionState = "aborted"
)

// UploadSession is the persisted state of one resumable upload.
type UploadSession struct {
	UploadID      string          `json:"uploadId"`
	Size          int64           `json:"size"`
	BytesReceived int64           `json:"bytesReceived"`
	Category      config.Category `json:"category"`
	OriginalName  string          `json:"originalName"`
	MimeType      string          `json:"mimeType"`
	Extension     string          `json:"extension"`
	State         SessionState    `json:"state"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Remaining is the number of bytes still expected.
func (s *UploadSession) Remaining() int64 {
	return s.Size - s.BytesReceived
}
