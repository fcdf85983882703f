package scanner

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
)

// largeFileThreshold flags anything above 10 MiB: npm packages are
// source distributions, a file that size is at minimum worth a look.
const largeFileThreshold = 10 << 20

var executableExtensions = map[string]struct{}{
	".exe": {}, ".dll": {}, ".so": {}, ".dylib": {},
	".bin": {}, ".com": {}, ".scr": {}, ".bat": {}, ".cmd": {},
}

// binaryDetector walks the full tree with no extension filter and flags
// oversized files and anything that looks executable, either by
// extension or by POSIX exec bits.
type binaryDetector struct{}

func (binaryDetector) Name() string { return "binary" }

func (binaryDetector) Detect(ctx context.Context, root string) ([]Risk, error) {
	var risks []Risk

	err := walkTree(ctx, root, nil, func(rel string, info fs.FileInfo) error {
		if info.Size() > largeFileThreshold {
			risks = append(risks, Risk{
				Type:        RiskLargeFiles,
				Severity:    SeverityLow,
				Description: fmt.Sprintf("%s is %d bytes", rel, info.Size()),
				Details:     map[string]string{"file": rel, "size": fmt.Sprintf("%d", info.Size())},
			})
		}

		ext := strings.ToLower(filepath.Ext(rel))
		_, knownExt := executableExtensions[ext]
		if knownExt || info.Mode().Perm()&0o111 != 0 {
			risks = append(risks, Risk{
				Type:        RiskBinaryExecutable,
				Severity:    SeverityMedium,
				Description: fmt.Sprintf("%s is executable", rel),
				Details:     map[string]string{"file": rel},
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return risks, nil
}
