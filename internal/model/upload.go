package model

import "time"

// Upload kinds accepted by the upload endpoint
const (
	UploadKindTemplate    = "template"
	UploadKindSpreadsheet = "spreadsheet"
	UploadKindContext     = "context"
)

// UploadResponse names the stored object to reference from a job request
type UploadResponse struct {
	Key         string    `json:"key"`
	Kind        string    `json:"kind"`
	Size        int64     `json:"size"`
	ContentType string    `json:"contentType"`
	CreatedAt   time.Time `json:"createdAt"`
}
