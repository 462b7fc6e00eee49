package cmd

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	celadapter "github.com/quotaguard/quotaguard/internal/adapter/outbound/cel"
	"github.com/quotaguard/quotaguard/internal/domain/policy"
	"github.com/quotaguard/quotaguard/internal/service"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Policy file tools",
}

var policyValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Load and compile a policy file",
	Long: `Strictly decode a policy file, compile its override conditions and print
the fingerprint and endpoint classes. Exits non-zero on any error.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return validatePolicy(args[0], cmd.OutOrStdout())
	},
}

func init() {
	policyCmd.AddCommand(policyValidateCmd)
	rootCmd.AddCommand(policyCmd)
}

func validatePolicy(path string, out io.Writer) error {
	compiler, err := celadapter.NewEvaluator()
	if err != nil {
		return fmt.Errorf("create condition compiler: %w", err)
	}
	snap, err := service.LoadPolicyFile(path, compiler)
	if err != nil {
		return err
	}
	printSnapshot(snap, out)
	return nil
}

func printSnapshot(snap *policy.Snapshot, out io.Writer) {
	fmt.Fprintf(out, "fingerprint: %s\n", snap.Fingerprint)
	fmt.Fprintf(out, "timezone:    %s\n", snap.Location)
	fmt.Fprintf(out, "seasons:     %d\n", len(snap.Seasons))
	fb := snap.Fallback.Base
	fmt.Fprintf(out, "fallback:    minute=%d hour=%d day=%d\n", fb.Minute, fb.Hour, fb.Day)

	classes := make([]string, 0, len(snap.Policies))
	for name := range snap.Policies {
		classes = append(classes, name)
	}
	sort.Strings(classes)
	fmt.Fprintf(out, "classes:     %d\n", len(classes))
	for _, name := range classes {
		p := snap.Policies[name]
		fmt.Fprintf(out, "  %-20s minute=%d hour=%d day=%d cost=%d tiers=%d overrides=%d seasonal=%t\n",
			name, p.Base.Minute, p.Base.Hour, p.Base.Day, p.Cost, len(p.Tiers), len(p.Overrides), p.Seasonal)
	}
}
