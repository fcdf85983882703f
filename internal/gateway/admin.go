package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/alphagov/govuk-curated-npm-repo/internal/quarantine"
)

// requestEntry flattens a record with its package name for listings.
type requestEntry struct {
	Package string `json:"package"`
	quarantine.Record
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.List()
	if err != nil {
		s.serverError(w, "list_requests_failed", err)
		return
	}

	out := make([]requestEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, requestEntry{Package: e.Name, Record: e.Record})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	name, ok := packageParam(w, r)
	if !ok {
		return
	}

	if err := s.store.Approve(name); err != nil {
		if errors.Is(err, quarantine.ErrNotFound) {
			writeError(w, http.StatusNotFound, "package not found")
			return
		}
		s.serverError(w, "approve_failed", err)
		return
	}

	s.log.Info("package_approved", "Package approved", map[string]interface{}{"package": name})
	writeJSON(w, http.StatusCreated, map[string]string{
		"package": name,
		"status":  string(quarantine.StatusApproved),
	})
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	name, ok := packageParam(w, r)
	if !ok {
		return
	}

	if err := s.store.Reject(name); err != nil {
		if errors.Is(err, quarantine.ErrNotFound) {
			writeError(w, http.StatusNotFound, "package not found")
			return
		}
		s.serverError(w, "reject_failed", err)
		return
	}

	s.log.Info("package_rejected", "Package rejected", map[string]interface{}{"package": name})
	writeJSON(w, http.StatusCreated, map[string]string{
		"package": name,
		"status":  string(quarantine.StatusRejected),
	})
}

func (s *Server) handleGetAssessment(w http.ResponseWriter, r *http.Request) {
	name, ok := packageParam(w, r)
	if !ok {
		return
	}

	results, err := s.store.Assessment(name)
	if err != nil {
		switch {
		case errors.Is(err, quarantine.ErrNotFound):
			writeError(w, http.StatusNotFound, "package not found")
		case errors.Is(err, quarantine.ErrNoScan):
			writeError(w, http.StatusNotFound, "no scan results available for this package")
		default:
			s.serverError(w, "get_assessment_failed", err)
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"package":     name,
		"riskScore":   results.RiskScore,
		"scanResults": results.Risks,
		"scannedAt":   results.ScannedAt,
	})
}

// scanRequest selects the archive for a manual scan: either a local
// file, or an artifact path to download from the upstream registry.
type scanRequest struct {
	Archive string `json:"archive,omitempty"`
	Path    string `json:"path,omitempty"`
}

func (s *Server) handleTriggerScan(w http.ResponseWriter, r *http.Request) {
	name, ok := packageParam(w, r)
	if !ok {
		return
	}

	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if (req.Archive == "") == (req.Path == "") {
		writeError(w, http.StatusBadRequest, "exactly one of archive or path is required")
		return
	}

	// The scan trigger doubles as registration so an administrator can
	// assess a package before anyone requests it.
	if err := s.store.Register(name, "administrator"); err != nil {
		s.serverError(w, "register_failed", err)
		return
	}

	archive := req.Archive
	if req.Path != "" {
		downloaded, err := s.downloadArtifact(req.Path)
		if err != nil {
			s.serverError(w, "artifact_download_failed", err)
			return
		}
		defer os.Remove(downloaded)
		archive = downloaded
	}

	results := s.scanner.Scan(r.Context(), archive, name)
	s.recordScan(name, results)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"package":     name,
		"riskScore":   results.RiskScore,
		"scanResults": results.Risks,
		"scannedAt":   results.ScannedAt,
	})
}

func (s *Server) handleListBlocked(w http.ResponseWriter, r *http.Request) {
	attempts, err := s.store.Blocked()
	if err != nil {
		s.serverError(w, "list_blocked_failed", err)
		return
	}
	if attempts == nil {
		attempts = []quarantine.BlockedAttempt{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"attempts": attempts})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"enabled":       s.cfg.Enabled,
		"autoscan":      s.cfg.AutoScan,
		"riskThreshold": s.cfg.RiskThreshold,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// packageParam extracts and percent-decodes the package path segment;
// scoped names contain an encoded slash.
func packageParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	raw := r.PathValue("package")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "package name is required")
		return "", false
	}
	name, err := url.PathUnescape(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid package name")
		return "", false
	}
	return name, true
}

func (s *Server) serverError(w http.ResponseWriter, event string, err error) {
	s.log.Error(event, "Administrative operation failed", map[string]interface{}{
		"error": err.Error(),
	})
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
