package store

import "time"

// JobStatus enumerates the lifecycle states of an upload job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobInProgress JobStatus = "in-progress"
	JobPaused     JobStatus = "paused"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// PartStatus enumerates the states of a single part row.
type PartStatus string

const (
	PartPending   PartStatus = "pending"
	PartUploading PartStatus = "uploading"
	PartCompleted PartStatus = "completed"
	PartFailed    PartStatus = "failed"
)

// UploadJob is the durable record of one transfer. The upload_id assigned by
// the coordinator is the primary key.
type UploadJob struct {
	UploadID    string     `json:"upload_id"`
	FilePath    string     `json:"file_path"` // absolute
	FileName    string     `json:"file_name"`
	FileSize    int64      `json:"file_size"`
	Fingerprint string     `json:"fingerprint"` // "size:modTimeUTCnanos"
	Bucket      string     `json:"bucket"`
	ObjectKey   string     `json:"object_key"`
	PartSize    int64      `json:"part_size"`
	TotalParts  int        `json:"total_parts"`
	Status      JobStatus  `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// PartRow is the durable record of one part of one job; the composite key is
// (upload_id, part_number). A non-empty ETag means the storage engine issued
// a receipt and the part is completed.
type PartRow struct {
	UploadID   string     `json:"upload_id"`
	PartNumber int        `json:"part_number"` // 1-based, contiguous
	ByteOffset int64      `json:"byte_offset"`
	ByteLength int64      `json:"byte_length"`
	ETag       string     `json:"etag,omitempty"`
	Status     PartStatus `json:"status"`
	RetryCount int        `json:"retry_count"`
}
