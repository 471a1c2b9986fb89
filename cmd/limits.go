package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/adalundhe/toolrt/core/resources"
)

var limitsCmd = &cobra.Command{
	Use:   "limits",
	Short: "Print resolved resource limits",
	Long: `Resolve the ceilings a tool would run under at a security level, after
per-tool overrides and the process file descriptor limit, and print them as YAML.`,
	RunE: runLimits,
}

var (
	limitsLevel string
	limitsTool  string
)

func init() {
	rootCmd.AddCommand(limitsCmd)
	limitsCmd.Flags().StringVarP(&limitsLevel, "level", "l", "low", "Security level (low,medium,high,critical)")
	limitsCmd.Flags().StringVarP(&limitsTool, "tool", "t", "", "Tool ID to match against overrides")
}

type limitsReport struct {
	Tool     string                   `yaml:"tool,omitempty"`
	Level    resources.SecurityLevel  `yaml:"level"`
	Override string                   `yaml:"override,omitempty"`
	Limits   resources.ResourceLimits `yaml:"limits"`
}

func runLimits(cmd *cobra.Command, args []string) error {
	level, err := resources.ParseSecurityLevel(limitsLevel)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	resolver, err := cfg.Resolver()
	if err != nil {
		return err
	}

	report := limitsReport{
		Tool:   limitsTool,
		Level:  level,
		Limits: resolver.Resolve(limitsTool, level),
	}
	if limitsTool != "" {
		report.Override, _ = resolver.MatchedOverride(limitsTool)
	}

	out, err := yaml.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode limits: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}
