package store

import (
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// CreateUpload inserts a new job row. Fails with ErrJobExists when the
// upload_id is already present.
func (s *Store) CreateUpload(job *UploadJob) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(keyJob(job.UploadID)); err == nil {
			return fmt.Errorf("%w: %s", ErrJobExists, job.UploadID)
		} else if err != badger.ErrKeyNotFound {
			return fmt.Errorf("check job %s: %w", job.UploadID, err)
		}

		data, err := encodeJob(job)
		if err != nil {
			return err
		}
		if err := txn.Set(keyJob(job.UploadID), data); err != nil {
			return fmt.Errorf("put job %s: %w", job.UploadID, err)
		}
		// Path index for resume lookup by source file
		if err := txn.Set(keyPath(job.FilePath), []byte(job.UploadID)); err != nil {
			return fmt.Errorf("put path index for %s: %w", job.UploadID, err)
		}
		return nil
	})
}

// GetJob returns the job row for an upload_id.
func (s *Store) GetJob(uploadID string) (*UploadJob, error) {
	var job *UploadJob
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyJob(uploadID))
		if err == badger.ErrKeyNotFound {
			return fmt.Errorf("%w: %s", ErrJobNotFound, uploadID)
		}
		if err != nil {
			return fmt.Errorf("get job %s: %w", uploadID, err)
		}
		return item.Value(func(val []byte) error {
			job, err = decodeJob(val)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// FindJobByPath returns the most recent job recorded for an absolute file
// path, or ErrJobNotFound.
func (s *Store) FindJobByPath(filePath string) (*UploadJob, error) {
	var uploadID string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyPath(filePath))
		if err == badger.ErrKeyNotFound {
			return ErrJobNotFound
		}
		if err != nil {
			return fmt.Errorf("get path index %s: %w", filePath, err)
		}
		return item.Value(func(val []byte) error {
			uploadID = string(val)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return s.GetJob(uploadID)
}

// UpdateJobStatus sets the job status, stamping CompletedAt on terminal
// success.
func (s *Store) UpdateJobStatus(uploadID string, status JobStatus) error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(keyJob(uploadID))
		if err == badger.ErrKeyNotFound {
			return fmt.Errorf("%w: %s", ErrJobNotFound, uploadID)
		}
		if err != nil {
			return fmt.Errorf("get job %s: %w", uploadID, err)
		}

		var job *UploadJob
		if err := item.Value(func(val []byte) error {
			job, err = decodeJob(val)
			return err
		}); err != nil {
			return err
		}

		job.Status = status
		if status == JobCompleted && job.CompletedAt == nil {
			now := time.Now().UTC()
			job.CompletedAt = &now
		}

		data, err := encodeJob(job)
		if err != nil {
			return err
		}
		return txn.Set(keyJob(uploadID), data)
	})
}

// ListJobs returns all job rows.
func (s *Store) ListJobs() ([]*UploadJob, error) {
	var jobs []*UploadJob
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(prefixJob)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				job, err := decodeJob(val)
				if err != nil {
					return err
				}
				jobs = append(jobs, job)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// DeleteJob removes the job row, its part rows, its index entries and the
// path index entry. The only way rows ever leave the store.
func (s *Store) DeleteJob(uploadID string) error {
	job, err := s.GetJob(uploadID)
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: false})
		var doomed [][]byte
		for _, prefix := range [][]byte{keyPartPrefix(uploadID), []byte(prefixIndex + uploadID + ":")} {
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				doomed = append(doomed, it.Item().KeyCopy(nil))
			}
		}
		it.Close()

		for _, key := range doomed {
			if err := txn.Delete(key); err != nil {
				return fmt.Errorf("delete %s: %w", key, err)
			}
		}
		// The path index may already name a newer job for the same file;
		// remove it only while it still points at the job being deleted.
		switch item, err := txn.Get(keyPath(job.FilePath)); {
		case err == badger.ErrKeyNotFound:
		case err != nil:
			return fmt.Errorf("get path index: %w", err)
		default:
			val, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("read path index: %w", err)
			}
			if string(val) == uploadID {
				if err := txn.Delete(keyPath(job.FilePath)); err != nil {
					return fmt.Errorf("delete path index: %w", err)
				}
			}
		}
		return txn.Delete(keyJob(uploadID))
	})
}
