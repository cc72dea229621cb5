package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/withObsrvr/yellowstone-ingestor/pkg/subscription"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration inspection commands",
}

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets redacted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(cfg.Redacted())
	},
}

var filtersCmd = &cobra.Command{
	Use:   "filters",
	Short: "Print the parsed filters, the upstream subscribe entries and the topics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}
		renderPlan(cmd.OutOrStdout(), cfg.Subscription())
		return nil
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration and report errors and warnings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		result := cfg.Validate()

		if len(result.Warnings) > 0 {
			color.New(color.FgYellow).Fprintln(out, "Configuration has warnings:")
			for _, w := range result.Warnings {
				fmt.Fprintf(out, "  - %s\n", w)
			}
		}
		if result.HasErrors() {
			color.New(color.FgRed).Fprintln(out, "Configuration has errors:")
			for _, e := range result.Errors {
				fmt.Fprintf(out, "  - %v\n", e)
			}
			return fmt.Errorf("configuration validation failed")
		}

		color.New(color.FgGreen).Fprintln(out, "Configuration is valid")
		return nil
	},
}

func init() {
	configCmd.AddCommand(showCmd, filtersCmd, validateCmd)
	rootCmd.AddCommand(configCmd)
}

// renderPlan prints what the ingestor will subscribe to and where events go.
func renderPlan(out io.Writer, sub subscription.Config) {
	header := color.New(color.FgCyan, color.Bold)

	header.Fprintln(out, "Filters")
	for _, f := range sub.Filters {
		fmt.Fprintf(out, "  %s -> %s\n", f.Name, sub.Topic(f.Name))
		for _, owner := range f.Owners {
			fmt.Fprintf(out, "      %s\n", owner)
		}
	}
	fmt.Fprintf(out, "  (unmatched) -> %s\n", sub.RawTopic())

	fmt.Fprintln(out)
	header.Fprintf(out, "Subscribe request (%s, commitment %s)\n", sub.Kind, subscription.Commitment)
	if sub.Collapsed() {
		fmt.Fprintf(out, "  %d filters exceed max_filters=%d; sending one combined filter\n", len(sub.Filters), sub.MaxFilters)
	}
	for _, e := range sub.Entries() {
		fmt.Fprintf(out, "  %s: %s\n", e.Name, strings.Join(e.Owners, ", "))
	}
}
