package scanner

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
)

// textExtensions limits the pattern scan to source-like files.
var textExtensions = map[string]struct{}{
	".js": {}, ".mjs": {}, ".cjs": {}, ".jsx": {},
	".ts": {}, ".tsx": {}, ".json": {},
	".sh": {}, ".bash": {}, ".py": {}, ".rb": {}, ".pl": {},
}

// Files larger than this are not worth reading into memory for a text
// pattern match.
const maxTextFileSize = 5 << 20

var networkPatterns = []*regexp.Regexp{
	regexp.MustCompile(`fetch\s*\(`),
	regexp.MustCompile(`XMLHttpRequest`),
	regexp.MustCompile(`require\(['"]https?['"]\)`),
	regexp.MustCompile(`require\(['"]net['"]\)`),
	regexp.MustCompile(`require\(['"]dgram['"]\)`),
	regexp.MustCompile(`\baxios\b`),
	regexp.MustCompile(`new\s+WebSocket`),
	regexp.MustCompile(`\bcurl\s`),
	regexp.MustCompile(`\bwget\s`),
}

var filesystemPatterns = []*regexp.Regexp{
	regexp.MustCompile(`fs\.writeFile`),
	regexp.MustCompile(`fs\.readFile`),
	regexp.MustCompile(`fs\.unlink`),
	regexp.MustCompile(`fs\.rm\b`),
	regexp.MustCompile(`fs\.chmod`),
	regexp.MustCompile(`require\(['"]fs['"]\)`),
	regexp.MustCompile(`child_process`),
	regexp.MustCompile(`process\.env`),
}

// patternDetector scans source files for network and filesystem API
// usage. A file contributes at most one network risk and at most one
// filesystem risk no matter how many patterns match inside it.
type patternDetector struct{}

func (patternDetector) Name() string { return "patterns" }

func (patternDetector) Detect(ctx context.Context, root string) ([]Risk, error) {
	var risks []Risk

	err := walkTree(ctx, root, skipHiddenAndDeps, func(rel string, info fs.FileInfo) error {
		if _, ok := textExtensions[filepath.Ext(rel)]; !ok {
			return nil
		}
		if info.Size() > maxTextFileSize {
			return nil
		}

		data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil {
			// Unreadable file skips this file's checks only.
			return nil
		}

		if pattern := firstMatch(networkPatterns, data); pattern != "" {
			risks = append(risks, Risk{
				Type:        RiskNetworkAccess,
				Severity:    SeverityMedium,
				Description: fmt.Sprintf("%s uses network APIs", rel),
				Details:     map[string]string{"file": rel, "pattern": pattern},
			})
		}
		if pattern := firstMatch(filesystemPatterns, data); pattern != "" {
			risks = append(risks, Risk{
				Type:        RiskFilesystemAccess,
				Severity:    SeverityLow,
				Description: fmt.Sprintf("%s uses filesystem APIs", rel),
				Details:     map[string]string{"file": rel, "pattern": pattern},
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return risks, nil
}

func firstMatch(patterns []*regexp.Regexp, data []byte) string {
	for _, p := range patterns {
		if p.Match(data) {
			return p.String()
		}
	}
	return ""
}
