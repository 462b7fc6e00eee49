package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/quotaguard/quotaguard/internal/config"
	"github.com/quotaguard/quotaguard/internal/domain/ratelimit"
	"github.com/quotaguard/quotaguard/internal/port/inbound"
)

var (
	checkCaller   string
	checkTier     string
	checkCategory string
	checkEndpoint string
	checkResource string
	checkCount    int
	checkJSON     bool
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run one or more decisions against the configured stores",
	Long: `Run CheckAndRecord against the configured stores and policy, exactly as
the service would, and print each decision. Usage is recorded.

Example:
  quotaguard check --caller vendor-42 --tier premium --endpoint search --count 5`,
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringVar(&checkCaller, "caller", "", "caller identity (required)")
	checkCmd.Flags().StringVar(&checkTier, "tier", "free", "caller tier")
	checkCmd.Flags().StringVar(&checkCategory, "category", "", "caller category")
	checkCmd.Flags().StringVar(&checkEndpoint, "endpoint", "", "endpoint class (required)")
	checkCmd.Flags().StringVar(&checkResource, "resource", "", "resource id")
	checkCmd.Flags().IntVar(&checkCount, "count", 1, "number of requests to record")
	checkCmd.Flags().BoolVar(&checkJSON, "json", false, "print decisions as JSON lines")
	_ = checkCmd.MarkFlagRequired("caller")
	_ = checkCmd.MarkFlagRequired("endpoint")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	if checkCount < 1 {
		return errors.New("--count must be at least 1")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Server, cfg.DevMode, os.Stderr)

	req := inbound.CheckRequest{
		Caller: ratelimit.CallerIdentity{
			ID:       checkCaller,
			Tier:     checkTier,
			Category: checkCategory,
		},
		EndpointClass: checkEndpoint,
		ResourceID:    checkResource,
	}
	return runChecks(cmd.Context(), cfg, req, checkCount, checkJSON, cmd.OutOrStdout(), logger)
}

// runChecks records count requests and writes one line per decision to out.
func runChecks(ctx context.Context, cfg *config.Config, req inbound.CheckRequest, count int, asJSON bool, out io.Writer, logger *slog.Logger) error {
	st, err := openStack(ctx, cfg, logger, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	defer func() { _ = st.close() }()

	orch := st.orchestrator()
	enc := json.NewEncoder(out)
	for i := 1; i <= count; i++ {
		d, err := orch.CheckAndRecord(ctx, req)
		if err != nil {
			return err
		}
		if asJSON {
			if err := enc.Encode(decisionLine(i, d)); err != nil {
				return err
			}
			continue
		}
		fmt.Fprintln(out, formatDecision(i, d))
	}
	logger.Debug("checks complete", "count", count, "store", st.store.Name(), "policy", st.policy.Fingerprint())
	return nil
}

type checkLine struct {
	N                 int              `json:"n"`
	Allowed           bool             `json:"allowed"`
	Remaining         map[string]int64 `json:"remaining"`
	RetryAfterSeconds *int             `json:"retry_after_seconds,omitempty"`
	ViolationReason   string           `json:"violation_reason,omitempty"`
	EscalationLevel   string           `json:"escalation_level"`
	Degraded          bool             `json:"degraded"`
}

func decisionLine(n int, d ratelimit.Decision) checkLine {
	remaining := make(map[string]int64, len(d.RemainingByWindow))
	for w, r := range d.RemainingByWindow {
		remaining[string(w)] = r
	}
	return checkLine{
		N:                 n,
		Allowed:           d.Allowed,
		Remaining:         remaining,
		RetryAfterSeconds: d.RetryAfterSeconds(),
		ViolationReason:   d.ViolationReason,
		EscalationLevel:   d.EscalationLevel,
		Degraded:          d.Degraded,
	}
}

// formatDecision renders one decision as a single human-readable line.
func formatDecision(n int, d ratelimit.Decision) string {
	if d.Allowed {
		line := fmt.Sprintf("#%d allow", n)
		for _, w := range ratelimit.Windows {
			if r, ok := d.RemainingByWindow[w]; ok {
				line += fmt.Sprintf(" %s=%d", w, r)
			}
		}
		return line + degradedSuffix(d)
	}
	return fmt.Sprintf("#%d deny reason=%s retry_after=%ds level=%s%s",
		n, d.ViolationReason, *d.RetryAfterSeconds(), d.EscalationLevel, degradedSuffix(d))
}

func degradedSuffix(d ratelimit.Decision) string {
	if d.Degraded {
		return " degraded"
	}
	return ""
}
