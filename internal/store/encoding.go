package store

import (
	"encoding/json"
	"fmt"
)

// Key namespace design. Badger is a flat ordered key space; prefixes keep
// the two tables and the status index apart and make range scans cheap.
//
// Data Type        Prefix   Key Format                            Value
// =======================================================================
// Upload jobs      "j:"     j:<upload_id>                         UploadJob (JSON)
// Part rows        "p:"     p:<upload_id>:<part# %05d>            PartRow (JSON)
// Status index     "ix:"    ix:<upload_id>:<status>:<part# %05d>  (empty)
// Path index       "fp:"    fp:<abs file path>                    upload_id (bytes)
//
// Zero-padded part numbers keep lexicographic key order equal to numeric
// part order, so prefix scans return parts ascending.

const (
	prefixJob   = "j:"
	prefixPart  = "p:"
	prefixIndex = "ix:"
	prefixPath  = "fp:"
)

func keyJob(uploadID string) []byte {
	return []byte(prefixJob + uploadID)
}

func keyPart(uploadID string, partNumber int) []byte {
	return []byte(fmt.Sprintf("%s%s:%05d", prefixPart, uploadID, partNumber))
}

func keyPartPrefix(uploadID string) []byte {
	return []byte(prefixPart + uploadID + ":")
}

func keyIndex(uploadID string, status PartStatus, partNumber int) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:%05d", prefixIndex, uploadID, status, partNumber))
}

func keyIndexPrefix(uploadID string, status PartStatus) []byte {
	return []byte(prefixIndex + uploadID + ":" + string(status) + ":")
}

func keyPath(filePath string) []byte {
	return []byte(prefixPath + filePath)
}

func encodeJob(job *UploadJob) ([]byte, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("encode job %s: %w", job.UploadID, err)
	}
	return data, nil
}

func decodeJob(data []byte) (*UploadJob, error) {
	var job UploadJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &job, nil
}

func encodePart(part *PartRow) ([]byte, error) {
	data, err := json.Marshal(part)
	if err != nil {
		return nil, fmt.Errorf("encode part %d of %s: %w", part.PartNumber, part.UploadID, err)
	}
	return data, nil
}

func decodePart(data []byte) (*PartRow, error) {
	var part PartRow
	if err := json.Unmarshal(data, &part); err != nil {
		return nil, fmt.Errorf("decode part: %w", err)
	}
	return &part, nil
}
