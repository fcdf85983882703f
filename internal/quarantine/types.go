package quarantine

import (
	"time"

	"github.com/alphagov/govuk-curated-npm-repo/internal/scanner"
)

// Status is the approval state of a package.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusBlocked  Status = "blocked"
	StatusRejected Status = "rejected"
)

// Record is the durable approval record for one package identity.
// RequestedAt is set once at first sight and never changes; a record is
// never deleted.
type Record struct {
	Status      Status           `json:"status"`
	RequestedAt time.Time        `json:"requestedAt"`
	ApprovedAt  *time.Time       `json:"approvedAt,omitempty"`
	RejectedAt  *time.Time       `json:"rejectedAt,omitempty"`
	RiskScore   int              `json:"riskScore"`
	ScanResults *scanner.Results `json:"scanResults,omitempty"`
	ScannedAt   *time.Time       `json:"scannedAt,omitempty"`
	RequestedBy string           `json:"requestedBy,omitempty"`
}

// Entry pairs a package name with its record for listings.
type Entry struct {
	Name   string `json:"package"`
	Record Record `json:"record"`
}

// BlockedAttempt is one denied fetch, kept for audit.
type BlockedAttempt struct {
	Package   string    `json:"package"`
	IP        string    `json:"ip"`
	Timestamp time.Time `json:"timestamp"`
	UserAgent string    `json:"userAgent,omitempty"`
}

// NewBlockedAttempt stamps a blocked attempt with the current time.
func NewBlockedAttempt(pkg, ip, userAgent string) BlockedAttempt {
	return BlockedAttempt{
		Package:   pkg,
		IP:        ip,
		Timestamp: time.Now().UTC(),
		UserAgent: userAgent,
	}
}

// MaxBlockedAttempts caps the audit log; the oldest entry is evicted
// when a write would exceed it.
const MaxBlockedAttempts = 1000
