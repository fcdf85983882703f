// Package scanner statically assesses package archives for risk. It
// unpacks an untrusted tarball into a scratch directory, runs a set of
// independent detectors over the tree and reduces their findings to a
// bounded score. A scan never fails outward: anything that prevents the
// package from being assessed makes it maximally suspicious instead.
package scanner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/alphagov/govuk-curated-npm-repo/internal/logger"
)

// DefaultTimeout bounds a single scan, extraction included.
const DefaultTimeout = 60 * time.Second

// Scanner sequences extraction, detection and aggregation for one
// archive at a time per package.
type Scanner struct {
	scratchRoot string
	timeout     time.Duration
	detectors   []Detector
	log         *logger.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Scanner whose scratch directories live under
// scratchRoot. A non-positive timeout falls back to DefaultTimeout.
func New(scratchRoot string, timeout time.Duration, log *logger.Logger) *Scanner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Scanner{
		scratchRoot: scratchRoot,
		timeout:     timeout,
		detectors: []Detector{
			manifestDetector{},
			patternDetector{},
			binaryDetector{},
		},
		log:   log,
		locks: map[string]*sync.Mutex{},
	}
}

// Scan assesses one archive. It always returns a usable Results value:
// any internal failure (extraction error, detector error, timeout,
// panic) collapses to a single critical scan-error risk with score 100.
// The scratch directory is removed on every exit path.
func (s *Scanner) Scan(ctx context.Context, archivePath, packageName string) (res *Results) {
	start := time.Now()
	res = &Results{
		PackageName: packageName,
		ScannedAt:   start.UTC(),
		Risks:       []Risk{},
	}

	defer func() {
		if r := recover(); r != nil {
			res.Risks = []Risk{scanErrorRisk(fmt.Sprintf("scan panicked: %v", r))}
		}
		res.RiskScore = Score(res.Risks)
		res.ScanDurationMs = time.Since(start).Milliseconds()
	}()

	// Two concurrent scans of the same package would race on the same
	// scratch path, so scans are serialized per package key.
	unlock := s.lock(packageName)
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	dir := filepath.Join(s.scratchRoot, sanitizeName(packageName))
	defer os.RemoveAll(dir)

	if err := os.RemoveAll(dir); err != nil {
		res.Risks = []Risk{scanErrorRisk(fmt.Sprintf("failed to reset scratch directory: %v", err))}
		return res
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		res.Risks = []Risk{scanErrorRisk(fmt.Sprintf("failed to create scratch directory: %v", err))}
		return res
	}

	if err := extractTarball(ctx, archivePath, dir); err != nil {
		res.Risks = []Risk{scanErrorRisk(fmt.Sprintf("failed to extract archive: %v", err))}
		return res
	}

	for _, d := range s.detectors {
		risks, err := d.Detect(ctx, dir)
		if err != nil {
			res.Risks = []Risk{scanErrorRisk(fmt.Sprintf("%s detector failed: %v", d.Name(), err))}
			return res
		}
		res.Risks = append(res.Risks, risks...)
	}

	if s.log != nil {
		s.log.Info("scan_complete", fmt.Sprintf("Scanned %s", packageName), map[string]interface{}{
			"package":     packageName,
			"risks":       len(res.Risks),
			"duration_ms": time.Since(start).Milliseconds(),
		})
	}

	return res
}

func (s *Scanner) lock(packageName string) func() {
	s.mu.Lock()
	m, ok := s.locks[packageName]
	if !ok {
		m = &sync.Mutex{}
		s.locks[packageName] = m
	}
	s.mu.Unlock()

	m.Lock()
	return m.Unlock
}

func scanErrorRisk(description string) Risk {
	return Risk{
		Type:        RiskScanError,
		Severity:    SeverityCritical,
		Description: description,
	}
}

// sanitizeName derives a filesystem-safe scratch path component from a
// package name (scoped names contain '@' and '/').
func sanitizeName(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
