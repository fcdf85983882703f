package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/alphagov/govuk-curated-npm-repo/internal/quarantine"
	"github.com/alphagov/govuk-curated-npm-repo/internal/scanner"
)

var adminClient = &http.Client{Timeout: 30 * time.Second}

func adminRequest(method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(method, serverURL+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := adminClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach gateway at %s: %w", serverURL, err)
	}
	return resp, nil
}

func decodeOrFail(resp *http.Response, v interface{}) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("gateway returned %s", resp.Status)
	}
	if v == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

type requestEntry struct {
	Package string `json:"package"`
	quarantine.Record
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List packages and their approval state",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := adminRequest(http.MethodGet, "/-/quarantine/requests", nil)
			if err != nil {
				return err
			}
			var entries []requestEntry
			if err := decodeOrFail(resp, &entries); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PACKAGE\tSTATUS\tRISK\tREQUESTED")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
					e.Package, e.Status, e.RiskScore, e.RequestedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
}

func newApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <package>",
		Short: "Approve a package for installation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := adminRequest(http.MethodPut, "/-/quarantine/approve/"+url.PathEscape(args[0]), nil)
			if err != nil {
				return err
			}
			if err := decodeOrFail(resp, nil); err != nil {
				return err
			}
			fmt.Printf("Approved %s\n", args[0])
			return nil
		},
	}
}

func newRejectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reject <package>",
		Short: "Reject a package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := adminRequest(http.MethodPut, "/-/quarantine/reject/"+url.PathEscape(args[0]), nil)
			if err != nil {
				return err
			}
			if err := decodeOrFail(resp, nil); err != nil {
				return err
			}
			fmt.Printf("Rejected %s\n", args[0])
			return nil
		},
	}
}

type assessmentResponse struct {
	Package     string         `json:"package"`
	RiskScore   int            `json:"riskScore"`
	ScanResults []scanner.Risk `json:"scanResults"`
	ScannedAt   time.Time      `json:"scannedAt"`
}

func printAssessment(a assessmentResponse) {
	fmt.Printf("Package:    %s\n", a.Package)
	fmt.Printf("Risk score: %d/100\n", a.RiskScore)
	fmt.Printf("Scanned at: %s\n", a.ScannedAt.Format(time.RFC3339))
	if len(a.ScanResults) == 0 {
		fmt.Println("No risks detected.")
		return
	}
	fmt.Println("Risks:")
	for _, r := range a.ScanResults {
		fmt.Printf("  - [%s] %s: %s\n", r.Severity, r.Type, r.Description)
	}
}

func newAssessmentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "assessment <package>",
		Short: "Show the latest risk assessment for a package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := adminRequest(http.MethodGet, "/-/quarantine/scan/"+url.PathEscape(args[0]), nil)
			if err != nil {
				return err
			}
			var a assessmentResponse
			if err := decodeOrFail(resp, &a); err != nil {
				return err
			}
			printAssessment(a)
			return nil
		},
	}
}

func newBlockedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "blocked",
		Short: "List denied fetch attempts",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := adminRequest(http.MethodGet, "/-/quarantine/blocked", nil)
			if err != nil {
				return err
			}
			var out struct {
				Attempts []quarantine.BlockedAttempt `json:"attempts"`
			}
			if err := decodeOrFail(resp, &out); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PACKAGE\tIP\tTIME\tUSER-AGENT")
			for _, a := range out.Attempts {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					a.Package, a.IP, a.Timestamp.Format(time.RFC3339), a.UserAgent)
			}
			return w.Flush()
		},
	}
}

func newScanCmd() *cobra.Command {
	var archive, artifactPath string

	cmd := &cobra.Command{
		Use:   "scan <package>",
		Short: "Scan a package archive and record the assessment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := json.Marshal(map[string]string{
				"archive": archive,
				"path":    artifactPath,
			})
			if err != nil {
				return err
			}

			resp, err := adminRequest(http.MethodPost,
				"/-/quarantine/scan/"+url.PathEscape(args[0]), bytes.NewReader(body))
			if err != nil {
				return err
			}
			var a assessmentResponse
			if err := decodeOrFail(resp, &a); err != nil {
				return err
			}
			printAssessment(a)
			return nil
		},
	}

	cmd.Flags().StringVar(&archive, "archive", "", "Local tarball to scan")
	cmd.Flags().StringVar(&artifactPath, "path", "", "Artifact path to download from the upstream registry")
	return cmd
}
