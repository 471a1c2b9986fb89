package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/adalundhe/toolrt/core/lifecycle"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate a configuration",
	Long:  `Load the configuration with environment overrides applied and report every problem found.`,
	RunE:  runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if _, err := newLogger(cfg.Logging, cmd.ErrOrStderr()); err != nil {
		return err
	}
	rt, err := lifecycle.ConfigFrom(cfg)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	source := configPath
	if source == "" {
		source = "defaults"
	}
	fmt.Fprintf(out, "config ok: %s\n", source)
	fmt.Fprintf(out, "  thresholds: warning=%.2f throttle=%.2f violation=%.2f emergency=%.2f\n",
		cfg.Thresholds.Warning, cfg.Thresholds.Throttle, cfg.Thresholds.Violation, cfg.Thresholds.Emergency)
	fmt.Fprintf(out, "  recovery: max_steps=%d history=%d step_delay=%s\n",
		rt.MaxEscalationSteps, rt.HistorySize, rt.StepDelay)
	fmt.Fprintf(out, "  cleanup: network_grace=%s unregister_timeout=%s\n",
		rt.NetworkGrace, rt.UnregisterTimeout)
	fmt.Fprintf(out, "  overrides: %d\n", len(cfg.Overrides))
	return nil
}
