package ws

import (
	"github.com/lanlift/lanlift/internal/events"
)

// Outbound frame shapes. Field names are the wire contract with the browser
// extension; keep them camelCase.

type configFrame struct {
	Type             string `json:"type"` // "config"
	ChunkSizeMB      int64  `json:"chunkSizeMB"`
	MaxThreads       int    `json:"maxThreads"`
	PresignBatchSize int    `json:"presignBatchSize"`
	WSPort           int    `json:"wsPort"`
}

type progressFrame struct {
	Type             string  `json:"type"` // "progress"
	UploadID         string  `json:"uploadId"`
	Percent          float64 `json:"percent"`
	Speed            float64 `json:"speed"` // bytes/sec
	ETA              float64 `json:"eta"`   // seconds
	BytesTransferred int64   `json:"bytesTransferred"`
	TotalBytes       int64   `json:"totalBytes"`
	ActiveThreads    int     `json:"activeThreads"`
	CompletedParts   int     `json:"completedParts"`
	TotalParts       int     `json:"totalParts"`
}

type chunkFrame struct {
	Type       string `json:"type"` // "chunk"
	UploadID   string `json:"uploadId"`
	PartNumber int    `json:"partNumber"`
	Status     string `json:"status"`
	ETag       string `json:"etag,omitempty"`
}

type statusFrame struct {
	Type     string `json:"type"` // "status"
	UploadID string `json:"uploadId,omitempty"`
	Status   string `json:"status"`
	Message  string `json:"message"`
}

type errorFrame struct {
	Type     string `json:"type"` // "error"
	UploadID string `json:"uploadId,omitempty"`
	Error    string `json:"error"`
	Code     string `json:"code"`
}

// command is the inbound shape. Fields beyond action are optional and
// action-dependent.
type command struct {
	Action     string `json:"action"`
	FilePath   string `json:"filePath,omitempty"`
	UploadID   string `json:"uploadId,omitempty"`
	BackendURL string `json:"backendUrl,omitempty"`
}

// frameFor maps a bus event to its wire frame. Returns nil for event kinds
// that have no wire representation.
func frameFor(event events.Event) interface{} {
	switch e := event.(type) {
	case *events.ProgressEvent:
		return progressFrame{
			Type:             "progress",
			UploadID:         e.UploadID,
			Percent:          e.Percent,
			Speed:            e.Speed,
			ETA:              e.ETA,
			BytesTransferred: e.BytesTransferred,
			TotalBytes:       e.TotalBytes,
			ActiveThreads:    e.ActiveThreads,
			CompletedParts:   e.CompletedParts,
			TotalParts:       e.TotalParts,
		}
	case *events.ChunkEvent:
		return chunkFrame{
			Type:       "chunk",
			UploadID:   e.UploadID,
			PartNumber: e.PartNumber,
			Status:     e.Status,
			ETag:       e.ETag,
		}
	case *events.StatusEvent:
		return statusFrame{
			Type:     "status",
			UploadID: e.UploadID,
			Status:   e.Status,
			Message:  e.Message,
		}
	case *events.ErrorEvent:
		message := ""
		if e.Err != nil {
			message = e.Err.Error()
		}
		return errorFrame{
			Type:     "error",
			UploadID: e.UploadID,
			Error:    message,
			Code:     e.Code,
		}
	default:
		return nil
	}
}
