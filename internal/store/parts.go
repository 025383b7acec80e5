package store

import (
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
)

// InitParts inserts every part row of a job in a single transaction, along
// with the pending-status index entries. Either all rows land or none do,
// so a crash during prepare never leaves a partially sliced job behind.
func (s *Store) InitParts(uploadID string, parts []*PartRow) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, part := range parts {
			data, err := encodePart(part)
			if err != nil {
				return err
			}
			if err := txn.Set(keyPart(uploadID, part.PartNumber), data); err != nil {
				return fmt.Errorf("put part %d of %s: %w", part.PartNumber, uploadID, err)
			}
			if err := txn.Set(keyIndex(uploadID, part.Status, part.PartNumber), nil); err != nil {
				return fmt.Errorf("put index for part %d of %s: %w", part.PartNumber, uploadID, err)
			}
		}
		return nil
	})
}

// GetPart returns one part row.
func (s *Store) GetPart(uploadID string, partNumber int) (*PartRow, error) {
	var part *PartRow
	err := s.db.View(func(txn *badger.Txn) error {
		p, err := getPartTxn(txn, uploadID, partNumber)
		part = p
		return err
	})
	if err != nil {
		return nil, err
	}
	return part, nil
}

// MarkUploading marks a part as in flight. Idempotent; never demotes a
// completed part.
func (s *Store) MarkUploading(uploadID string, partNumber int) error {
	return s.updatePart(uploadID, partNumber, func(part *PartRow) error {
		if part.Status == PartCompleted {
			return nil
		}
		part.Status = PartUploading
		return nil
	})
}

// MarkCompleted records the storage receipt for a part. Idempotent for the
// same etag; refuses with ErrReceiptConflict when the part already carries a
// different receipt.
func (s *Store) MarkCompleted(uploadID string, partNumber int, etag string) error {
	return s.updatePart(uploadID, partNumber, func(part *PartRow) error {
		if part.Status == PartCompleted {
			if part.ETag != etag {
				return fmt.Errorf("%w: part %d of %s has %q, got %q",
					ErrReceiptConflict, partNumber, uploadID, part.ETag, etag)
			}
			return nil
		}
		part.Status = PartCompleted
		part.ETag = etag
		return nil
	})
}

// MarkFailed marks a part failed and bumps its retry count. Returns the new
// retry count so the caller can decide whether the part is still eligible
// for another dispatch round.
func (s *Store) MarkFailed(uploadID string, partNumber int) (int, error) {
	retryCount := 0
	err := s.updatePart(uploadID, partNumber, func(part *PartRow) error {
		if part.Status == PartCompleted {
			retryCount = part.RetryCount
			return nil
		}
		part.Status = PartFailed
		part.RetryCount++
		retryCount = part.RetryCount
		return nil
	})
	return retryCount, err
}

// GetPending returns the parts still needing upload, ascending by part
// number: status pending, uploading (a crash interrupted the PUT before a
// receipt landed) or failed with retry_count under maxRetries. Called only
// at job start, before any worker touches a row.
func (s *Store) GetPending(uploadID string, maxRetries int) ([]*PartRow, error) {
	var pending []*PartRow
	err := s.scanParts(uploadID, func(part *PartRow) {
		switch part.Status {
		case PartPending, PartUploading:
			pending = append(pending, part)
		case PartFailed:
			if part.RetryCount < maxRetries {
				pending = append(pending, part)
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return pending, nil
}

// GetCompleted returns the completed parts with their receipts, ascending by
// part number. This is the list the finalize call hands to the coordinator.
func (s *Store) GetCompleted(uploadID string) ([]*PartRow, error) {
	var completed []*PartRow
	err := s.scanParts(uploadID, func(part *PartRow) {
		if part.Status == PartCompleted {
			completed = append(completed, part)
		}
	})
	if err != nil {
		return nil, err
	}
	return completed, nil
}

// CountCompleted counts completed parts via the status index without
// decoding part rows.
func (s *Store) CountCompleted(uploadID string) (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: false})
		defer it.Close()

		prefix := keyIndexPrefix(uploadID, PartCompleted)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// updatePart applies fn to a part row inside one transaction, moving the
// status index entry when the status changes. Updates for the same part are
// serialized by Badger's transaction conflict detection.
func (s *Store) updatePart(uploadID string, partNumber int, fn func(*PartRow) error) error {
	return s.db.Update(func(txn *badger.Txn) error {
		part, err := getPartTxn(txn, uploadID, partNumber)
		if err != nil {
			return err
		}

		oldStatus := part.Status
		if err := fn(part); err != nil {
			return err
		}

		data, err := encodePart(part)
		if err != nil {
			return err
		}
		if err := txn.Set(keyPart(uploadID, partNumber), data); err != nil {
			return fmt.Errorf("put part %d of %s: %w", partNumber, uploadID, err)
		}

		if part.Status != oldStatus {
			if err := txn.Delete(keyIndex(uploadID, oldStatus, partNumber)); err != nil {
				return fmt.Errorf("drop index for part %d of %s: %w", partNumber, uploadID, err)
			}
			if err := txn.Set(keyIndex(uploadID, part.Status, partNumber), nil); err != nil {
				return fmt.Errorf("put index for part %d of %s: %w", partNumber, uploadID, err)
			}
		}
		return nil
	})
}

func (s *Store) scanParts(uploadID string, visit func(*PartRow)) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := keyPartPrefix(uploadID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				part, err := decodePart(val)
				if err != nil {
					return err
				}
				visit(part)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func getPartTxn(txn *badger.Txn, uploadID string, partNumber int) (*PartRow, error) {
	item, err := txn.Get(keyPart(uploadID, partNumber))
	if err == badger.ErrKeyNotFound {
		return nil, fmt.Errorf("%w: part %d of %s", ErrPartNotFound, partNumber, uploadID)
	}
	if err != nil {
		return nil, fmt.Errorf("get part %d of %s: %w", partNumber, uploadID, err)
	}

	var part *PartRow
	err = item.Value(func(val []byte) error {
		part, err = decodePart(val)
		return err
	})
	if err != nil {
		return nil, err
	}
	return part, nil
}
