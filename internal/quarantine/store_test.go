package quarantine

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/alphagov/govuk-curated-npm-repo/internal/scanner"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "quarantine.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStatus_RegistersUnseenPackage(t *testing.T) {
	store := newTestStore(t)

	status, first, err := store.Status("left-pad", "10.0.0.1")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status != StatusPending {
		t.Errorf("status = %s, want pending", status)
	}
	if !first {
		t.Errorf("first = false, want true for unseen package")
	}

	rec, err := store.Get("left-pad")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec.Status != StatusPending {
		t.Errorf("stored status = %s, want pending", rec.Status)
	}
	if rec.RiskScore != 0 {
		t.Errorf("risk score = %d, want 0", rec.RiskScore)
	}
	if rec.RequestedBy != "10.0.0.1" {
		t.Errorf("requestedBy = %q, want attribution", rec.RequestedBy)
	}

	// A second resolution is not a first sight.
	status, first, err = store.Status("left-pad", "10.0.0.2")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status != StatusPending || first {
		t.Errorf("second Status() = (%s, %v), want (pending, false)", status, first)
	}
}

func TestRegister_Idempotent(t *testing.T) {
	store := newTestStore(t)

	if err := store.Register("lodash", "alice"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	before, err := store.Get("lodash")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	if err := store.Register("lodash", "mallory"); err != nil {
		t.Fatalf("second Register() error = %v", err)
	}
	after, err := store.Get("lodash")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	if !after.RequestedAt.Equal(before.RequestedAt) {
		t.Errorf("requestedAt changed: %v -> %v", before.RequestedAt, after.RequestedAt)
	}
	if after.RequestedBy != "alice" {
		t.Errorf("requestedBy = %q, want first writer to win", after.RequestedBy)
	}
}

func TestApprove(t *testing.T) {
	store := newTestStore(t)

	if err := store.Approve("unknown"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Approve(unknown) error = %v, want ErrNotFound", err)
	}
	if entries, _ := store.List(); len(entries) != 0 {
		t.Fatalf("failed approval left records behind: %v", entries)
	}

	store.Register("react", "")
	if err := store.Approve("react"); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}

	rec, _ := store.Get("react")
	if rec.Status != StatusApproved {
		t.Errorf("status = %s, want approved", rec.Status)
	}
	if rec.ApprovedAt == nil {
		t.Errorf("approvedAt not stamped")
	}

	// Transitions are unconditional: re-approving is allowed.
	if err := store.Approve("react"); err != nil {
		t.Errorf("re-approve error = %v", err)
	}
}

func TestReject(t *testing.T) {
	store := newTestStore(t)

	if err := store.Reject("unknown"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Reject(unknown) error = %v, want ErrNotFound", err)
	}

	store.Register("evil-pkg", "")
	if err := store.Reject("evil-pkg"); err != nil {
		t.Fatalf("Reject() error = %v", err)
	}

	rec, _ := store.Get("evil-pkg")
	if rec.Status != StatusRejected {
		t.Errorf("status = %s, want rejected", rec.Status)
	}
	if rec.RejectedAt == nil {
		t.Errorf("rejectedAt not stamped")
	}
}

func TestRecordScan_RoundTrip(t *testing.T) {
	store := newTestStore(t)

	results := &scanner.Results{
		PackageName: "sus-pkg",
		ScannedAt:   time.Now().UTC().Truncate(time.Millisecond),
		Risks: []scanner.Risk{
			{Type: scanner.RiskSuspiciousScript, Severity: scanner.SeverityHigh, Description: "postinstall"},
		},
		RiskScore:      60,
		ScanDurationMs: 12,
	}

	if err := store.RecordScan("sus-pkg", results); !errors.Is(err, ErrNotFound) {
		t.Fatalf("RecordScan(unknown) error = %v, want ErrNotFound", err)
	}

	store.Register("sus-pkg", "")
	if err := store.RecordScan("sus-pkg", results); err != nil {
		t.Fatalf("RecordScan() error = %v", err)
	}

	got, err := store.Assessment("sus-pkg")
	if err != nil {
		t.Fatalf("Assessment() error = %v", err)
	}
	if got.RiskScore != results.RiskScore {
		t.Errorf("riskScore = %d, want %d", got.RiskScore, results.RiskScore)
	}
	if !got.ScannedAt.Equal(results.ScannedAt) {
		t.Errorf("scannedAt = %v, want %v", got.ScannedAt, results.ScannedAt)
	}
	if len(got.Risks) != 1 || got.Risks[0].Type != scanner.RiskSuspiciousScript {
		t.Errorf("risks = %v, want original risks", got.Risks)
	}

	rec, _ := store.Get("sus-pkg")
	if rec.Status != StatusPending {
		t.Errorf("status changed by scan: %s", rec.Status)
	}
	if rec.RiskScore != 60 {
		t.Errorf("record riskScore = %d, want 60", rec.RiskScore)
	}
}

func TestAssessment_NoScan(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.Assessment("unknown"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Assessment(unknown) error = %v, want ErrNotFound", err)
	}

	store.Register("fresh", "")
	if _, err := store.Assessment("fresh"); !errors.Is(err, ErrNoScan) {
		t.Errorf("Assessment(fresh) error = %v, want ErrNoScan", err)
	}
}

func TestList(t *testing.T) {
	store := newTestStore(t)
	for _, name := range []string{"a", "b", "c"} {
		store.Register(name, "")
	}
	store.Approve("b")

	entries, err := store.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("len(entries) = %d, want 3", len(entries))
	}

	byName := map[string]Record{}
	for _, e := range entries {
		byName[e.Name] = e.Record
	}
	if byName["b"].Status != StatusApproved {
		t.Errorf("b status = %s, want approved", byName["b"].Status)
	}
}

func TestAppendBlocked_CapEvictsOldest(t *testing.T) {
	store := newTestStore(t)

	for i := 0; i < MaxBlockedAttempts+1; i++ {
		attempt := BlockedAttempt{
			Package:   fmt.Sprintf("pkg-%d", i),
			IP:        "10.0.0.1",
			Timestamp: time.Now().UTC(),
		}
		if err := store.AppendBlocked(attempt); err != nil {
			t.Fatalf("AppendBlocked(%d) error = %v", i, err)
		}
	}

	attempts, err := store.Blocked()
	if err != nil {
		t.Fatalf("Blocked() error = %v", err)
	}
	if len(attempts) != MaxBlockedAttempts {
		t.Fatalf("len(attempts) = %d, want %d", len(attempts), MaxBlockedAttempts)
	}
	if attempts[0].Package != "pkg-1" {
		t.Errorf("oldest attempt = %s, want pkg-1 (pkg-0 evicted)", attempts[0].Package)
	}
	if attempts[len(attempts)-1].Package != fmt.Sprintf("pkg-%d", MaxBlockedAttempts) {
		t.Errorf("newest attempt = %s", attempts[len(attempts)-1].Package)
	}
}

func TestExportImport_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	store.Register("keep-me", "alice")
	store.Approve("keep-me")

	var buf bytes.Buffer
	if err := store.ExportJSON(&buf); err != nil {
		t.Fatalf("ExportJSON() error = %v", err)
	}

	fresh := newTestStore(t)
	fresh.Register("keep-me", "bob") // existing record must win
	if err := fresh.ImportJSON(bytes.NewReader(buf.Bytes())); err != nil {
		t.Fatalf("ImportJSON() error = %v", err)
	}

	rec, err := fresh.Get("keep-me")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec.RequestedBy != "bob" {
		t.Errorf("requestedBy = %q, import overwrote existing record", rec.RequestedBy)
	}
	if rec.Status != StatusPending {
		t.Errorf("status = %s, import overwrote existing record", rec.Status)
	}
}

func TestImportJSON_AddsUnknownPackages(t *testing.T) {
	store := newTestStore(t)
	doc := `{"packages":{"legacy-pkg":{"status":"approved","requestedAt":"2024-01-01T00:00:00Z","riskScore":10}},"version":1}`

	if err := store.ImportJSON(bytes.NewReader([]byte(doc))); err != nil {
		t.Fatalf("ImportJSON() error = %v", err)
	}

	rec, err := store.Get("legacy-pkg")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec.Status != StatusApproved || rec.RiskScore != 10 {
		t.Errorf("record = %+v, want imported values", rec)
	}
}
