// Package gate turns a package's approval state into an allow/deny
// verdict for one inbound fetch. Two safety postures live here side by
// side and must stay distinct: an unseen or unapproved package is
// denied (default-deny), while a store failure lets the request
// through (fail-open), so a corrupt store degrades the registry to an
// uncurated proxy instead of an outage.
package gate

import (
	"fmt"

	"github.com/alphagov/govuk-curated-npm-repo/internal/logger"
	"github.com/alphagov/govuk-curated-npm-repo/internal/metrics"
	"github.com/alphagov/govuk-curated-npm-repo/internal/quarantine"
)

// Decision is the gate's answer for a fetch.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// Codes classify why a verdict was reached.
const (
	CodeApproved    = "approved"
	CodeNotApproved = "not-approved"
	CodeUnderReview = "under-review"
	CodeRejected    = "rejected"
	CodeStoreError  = "store-error"
)

// Verdict is the structured outcome of one gate check.
type Verdict struct {
	Decision  Decision
	Code      string
	Reason    string
	FirstSeen bool
}

// Allowed reports whether the fetch may be served.
func (v Verdict) Allowed() bool {
	return v.Decision == DecisionAllow
}

// Store is the approval state the gate consults.
type Store interface {
	Status(name, requestedBy string) (quarantine.Status, bool, error)
	AppendBlocked(quarantine.BlockedAttempt) error
}

// Gate is the decision point in front of artifact fetches.
type Gate struct {
	store   Store
	log     *logger.Logger
	metrics metrics.Metrics
}

// New creates a Gate. A nil metrics sink defaults to a no-op.
func New(store Store, log *logger.Logger, m metrics.Metrics) *Gate {
	if m == nil {
		m = metrics.Noop{}
	}
	return &Gate{store: store, log: log, metrics: m}
}

// Check resolves the approval state for pkg (registering it as pending
// if never seen) and returns the verdict for this fetch. ip and
// userAgent identify the caller for the audit log.
func (g *Gate) Check(pkg, ip, userAgent string) Verdict {
	status, firstSeen, err := g.store.Status(pkg, ip)
	if err != nil {
		// Fail-open: a broken store must not take the registry down.
		g.log.Error("gate_store_error", "Failed to resolve approval status, allowing request", map[string]interface{}{
			"package": pkg,
			"error":   err.Error(),
		})
		v := Verdict{Decision: DecisionAllow, Code: CodeStoreError, Reason: "approval store unavailable"}
		g.metrics.IncFetchDecision(string(v.Decision), v.Code)
		return v
	}

	v := g.evaluate(pkg, status, firstSeen)
	if v.Decision == DecisionDeny && v.Code != CodeUnderReview {
		g.recordAttempt(pkg, ip, userAgent)
	}
	g.metrics.IncFetchDecision(string(v.Decision), v.Code)
	return v
}

// evaluate maps a stored status to a verdict. "blocked" has no
// producing transition in the store; here it is simply the label for
// "not yet approved", same as a package seen for the first time.
func (g *Gate) evaluate(pkg string, status quarantine.Status, firstSeen bool) Verdict {
	switch {
	case status == quarantine.StatusApproved:
		return Verdict{Decision: DecisionAllow, Code: CodeApproved}

	case status == quarantine.StatusRejected:
		return Verdict{
			Decision: DecisionDeny,
			Code:     CodeRejected,
			Reason:   fmt.Sprintf("package %s has been rejected and cannot be installed", pkg),
		}

	case status == quarantine.StatusPending && !firstSeen:
		return Verdict{
			Decision: DecisionDeny,
			Code:     CodeUnderReview,
			Reason:   fmt.Sprintf("package %s is under review", pkg),
		}

	default:
		// StatusBlocked, or a pending record created by this very
		// call: not yet cleared for use.
		return Verdict{
			Decision:  DecisionDeny,
			Code:      CodeNotApproved,
			Reason:    fmt.Sprintf("package %s is not approved; request approval from an administrator", pkg),
			FirstSeen: firstSeen,
		}
	}
}

// recordAttempt appends a blocked attempt, best-effort: a logging
// failure never changes the deny decision.
func (g *Gate) recordAttempt(pkg, ip, userAgent string) {
	attempt := quarantine.NewBlockedAttempt(pkg, ip, userAgent)
	if err := g.store.AppendBlocked(attempt); err != nil {
		g.log.Warn("blocked_attempt_log_failed", "Failed to record blocked attempt", map[string]interface{}{
			"package": pkg,
			"error":   err.Error(),
		})
		return
	}
	g.metrics.IncBlockedAttempt()
}
