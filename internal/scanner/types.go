package scanner

import "time"

// RiskType identifies the kind of finding a detector produced
type RiskType string

const (
	RiskSuspiciousScript     RiskType = "suspicious-script"
	RiskNetworkAccess        RiskType = "network-access"
	RiskFilesystemAccess     RiskType = "filesystem-access"
	RiskPackageJSONError     RiskType = "package-json-error"
	RiskScanError            RiskType = "scan-error"
	RiskSuspiciousDependency RiskType = "suspicious-dependency"
	RiskBinaryExecutable     RiskType = "binary-executable"
	RiskLargeFiles           RiskType = "large-files"
)

// Severity represents how serious a finding is
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Risk represents a single finding from a detector
type Risk struct {
	Type        RiskType          `json:"type"`
	Severity    Severity          `json:"severity"`
	Description string            `json:"description"`
	Details     map[string]string `json:"details,omitempty"`
}

// Results represents the outcome of one scan of one package archive
type Results struct {
	PackageName    string    `json:"packageName"`
	ScannedAt      time.Time `json:"scannedAt"`
	Risks          []Risk    `json:"risks"`
	RiskScore      int       `json:"riskScore"`
	ScanDurationMs int64     `json:"scanDurationMs"`
}

// severityWeights maps severity to its contribution to the risk score
var severityWeights = map[Severity]int{
	SeverityLow:      10,
	SeverityMedium:   30,
	SeverityHigh:     60,
	SeverityCritical: 100,
}

// MaxRiskScore is the ceiling the aggregate score is clamped to
const MaxRiskScore = 100

// Score reduces a set of risks to a single bounded score. The reduction
// is a sum of severity weights clamped to MaxRiskScore, so it does not
// depend on the order risks were detected in.
func Score(risks []Risk) int {
	total := 0
	for _, r := range risks {
		total += severityWeights[r.Severity]
		if total >= MaxRiskScore {
			return MaxRiskScore
		}
	}
	return total
}
