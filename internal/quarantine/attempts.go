package quarantine

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// AppendBlocked appends one denied fetch to the audit log, evicting
// the oldest entries so the log never holds more than
// MaxBlockedAttempts.
func (s *Store) AppendBlocked(attempt BlockedAttempt) error {
	data, err := json.Marshal(attempt)
	if err != nil {
		return fmt.Errorf("failed to encode blocked attempt: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAttempts)
		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate attempt sequence: %w", err)
		}
		if err := b.Put(itob(seq), data); err != nil {
			return fmt.Errorf("failed to write blocked attempt: %w", err)
		}

		count := 0
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			count++
		}
		for count > MaxBlockedAttempts {
			k, _ := c.First()
			if k == nil {
				break
			}
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("failed to evict oldest attempt: %w", err)
			}
			count--
		}
		return nil
	})
}

// Blocked returns the audit log in insertion order.
func (s *Store) Blocked() ([]BlockedAttempt, error) {
	var attempts []BlockedAttempt
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAttempts).ForEach(func(k, v []byte) error {
			var a BlockedAttempt
			if err := json.Unmarshal(v, &a); err != nil {
				return fmt.Errorf("failed to decode blocked attempt: %w", err)
			}
			attempts = append(attempts, a)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return attempts, nil
}
