// Package quarantine owns the durable approval state for packages: a
// per-package approval record with a pending/approved/rejected state
// machine, and a bounded audit log of denied fetches. Both live in a
// single bbolt database, so every read-modify-write is transactional
// and concurrent callers cannot lose updates.
package quarantine

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/alphagov/govuk-curated-npm-repo/internal/scanner"
)

var (
	// ErrNotFound is returned by operations on a package that was
	// never registered.
	ErrNotFound = errors.New("package not found")

	// ErrNoScan is returned when no scan has ever completed for a
	// package.
	ErrNoScan = errors.New("no scan results available")
)

var (
	bucketPackages = []byte("packages")
	bucketAttempts = []byte("attempts")
	bucketMeta     = []byte("meta")

	keySchemaVersion = []byte("version")
)

const schemaVersion = 1

// Store is the single source of truth for approval state.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the store at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open quarantine store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketPackages, bucketAttempts, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}

		meta := tx.Bucket(bucketMeta)
		if raw := meta.Get(keySchemaVersion); raw != nil {
			if v := binary.BigEndian.Uint64(raw); v > schemaVersion {
				return fmt.Errorf("store schema version %d is newer than supported version %d", v, schemaVersion)
			}
			return nil
		}
		return meta.Put(keySchemaVersion, itob(schemaVersion))
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Status resolves a package's approval state. A package never seen
// before is registered with status pending in the same transaction;
// the returned bool reports whether that first-sight registration
// happened on this call.
func (s *Store) Status(name, requestedBy string) (Status, bool, error) {
	var status Status
	var first bool

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPackages)
		if rec, err := getRecord(b, name); err != nil {
			return err
		} else if rec != nil {
			status = rec.Status
			return nil
		}

		first = true
		rec := newRecord(requestedBy)
		status = rec.Status
		return putRecord(b, name, rec)
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve status for %s: %w", name, err)
	}
	return status, first, nil
}

// Register creates a pending record for a package. It is idempotent:
// if a record already exists, nothing changes (first write wins).
func (s *Store) Register(name, requestedBy string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPackages)
		if rec, err := getRecord(b, name); err != nil {
			return err
		} else if rec != nil {
			return nil
		}
		return putRecord(b, name, newRecord(requestedBy))
	})
}

// Approve marks a package approved and stamps the approval time.
// Returns ErrNotFound if the package was never registered. The
// transition is unconditional; re-approving is allowed.
func (s *Store) Approve(name string) error {
	return s.transition(name, func(rec *Record) {
		now := time.Now().UTC()
		rec.Status = StatusApproved
		rec.ApprovedAt = &now
	})
}

// Reject marks a package rejected and stamps the rejection time.
// Returns ErrNotFound if the package was never registered.
func (s *Store) Reject(name string) error {
	return s.transition(name, func(rec *Record) {
		now := time.Now().UTC()
		rec.Status = StatusRejected
		rec.RejectedAt = &now
	})
}

// RecordScan stores the latest scan output for a package. Scanning is
// orthogonal to approval: the status is left untouched, even for a
// maximal risk score. Returns ErrNotFound for an unregistered package.
func (s *Store) RecordScan(name string, results *scanner.Results) error {
	return s.transition(name, func(rec *Record) {
		rec.ScanResults = results
		rec.RiskScore = results.RiskScore
		scannedAt := results.ScannedAt
		rec.ScannedAt = &scannedAt
	})
}

// Assessment returns the latest scan output for a package. It returns
// ErrNotFound for an unregistered package and ErrNoScan when the
// package is registered but has never been scanned.
func (s *Store) Assessment(name string) (*scanner.Results, error) {
	rec, err := s.Get(name)
	if err != nil {
		return nil, err
	}
	if rec.ScanResults == nil {
		return nil, ErrNoScan
	}
	return rec.ScanResults, nil
}

func (s *Store) transition(name string, apply func(rec *Record)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPackages)
		rec, err := getRecord(b, name)
		if err != nil {
			return err
		}
		if rec == nil {
			return ErrNotFound
		}
		apply(rec)
		return putRecord(b, name, *rec)
	})
}

// Get returns the record for one package, or ErrNotFound.
func (s *Store) Get(name string) (*Record, error) {
	var rec *Record
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		rec, err = getRecord(tx.Bucket(bucketPackages), name)
		return err
	})
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	return rec, nil
}

// List returns a snapshot of every record, in key order.
func (s *Store) List() ([]Entry, error) {
	var entries []Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPackages).ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to decode record %s: %w", k, err)
			}
			entries = append(entries, Entry{Name: string(k), Record: rec})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func newRecord(requestedBy string) Record {
	return Record{
		Status:      StatusPending,
		RequestedAt: time.Now().UTC(),
		RiskScore:   0,
		RequestedBy: requestedBy,
	}
}

func getRecord(b *bolt.Bucket, name string) (*Record, error) {
	data := b.Get([]byte(name))
	if data == nil {
		return nil, nil
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode record %s: %w", name, err)
	}
	return &rec, nil
}

func putRecord(b *bolt.Bucket, name string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record %s: %w", name, err)
	}
	return b.Put([]byte(name), data)
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// exportDocument is the flat JSON layout used by earlier deployments
// that kept the whole database in one file.
type exportDocument struct {
	Packages map[string]Record `json:"packages"`
	Version  int               `json:"version"`
}

// ExportJSON writes the full package database as one flat JSON
// document.
func (s *Store) ExportJSON(w io.Writer) error {
	doc := exportDocument{Packages: map[string]Record{}, Version: schemaVersion}
	entries, err := s.List()
	if err != nil {
		return err
	}
	for _, e := range entries {
		doc.Packages[e.Name] = e.Record
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

// ImportJSON loads a flat JSON document produced by ExportJSON (or by
// a prior flat-file deployment). Existing records win over imported
// ones, matching the store's first-write-wins registration rule.
func (s *Store) ImportJSON(r io.Reader) error {
	var doc exportDocument
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return fmt.Errorf("failed to decode import document: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPackages)
		for name, rec := range doc.Packages {
			if existing, err := getRecord(b, name); err != nil {
				return err
			} else if existing != nil {
				continue
			}
			if err := putRecord(b, name, rec); err != nil {
				return err
			}
		}
		return nil
	})
}
