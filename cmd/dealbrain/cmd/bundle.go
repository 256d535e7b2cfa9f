package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dealbrain/dealbrain/internal/packaging"
	"github.com/dealbrain/dealbrain/internal/types"
)

var bundleCmd = &cobra.Command{
	Use:   "bundle",
	Short: "Export, import, diff and adopt ruleset bundles",
}

var bundleExportCmd = &cobra.Command{
	Use:   "export <ruleset-id>",
	Short: "Write a ruleset as a portable bundle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		out, _ := cmd.Flags().GetString("output")

		id, err := types.ParseRulesetID(args[0])
		if err != nil {
			return err
		}
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		b, err := a.packaging.Export(cmd.Context(), id)
		if err != nil {
			return err
		}
		data, err := b.Encode(packaging.Encoding(format))
		if err != nil {
			return err
		}
		return writeOutput(cmd, out, data)
	},
}

var bundleImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Store a JSON or YAML bundle as a new ruleset version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := readBundle(args[0])
		if err != nil {
			return err
		}
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.packaging.Import(cmd.Context(), b)
		if err != nil {
			return err
		}
		return printJSON(cmd, res)
	},
}

var bundleDiffCmd = &cobra.Command{
	Use:   "diff <ruleset-id> <candidate-file>",
	Short: "List the changes between a stored ruleset and a candidate bundle",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("output")

		id, err := types.ParseRulesetID(args[0])
		if err != nil {
			return err
		}
		candidate, err := readBundle(args[1])
		if err != nil {
			return err
		}
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		current, err := a.packaging.Export(cmd.Context(), id)
		if err != nil {
			return err
		}
		diff, err := packaging.Diff(current, candidate)
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(diff, "", "  ")
		if err != nil {
			return err
		}
		return writeOutput(cmd, out, append(data, '\n'))
	},
}

var bundleAdoptCmd = &cobra.Command{
	Use:   "adopt <diff-file>",
	Short: "Apply selected changes of a diff as a new ruleset version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		selected, _ := cmd.Flags().GetStringSlice("select")
		all, _ := cmd.Flags().GetBool("all")

		raw, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", args[0], err)
		}
		var diff packaging.DiffResult
		if err := json.Unmarshal(raw, &diff); err != nil {
			return fmt.Errorf("%s is not a diff: %w", args[0], err)
		}
		if all {
			selected = selected[:0]
			for _, c := range diff.Changes {
				selected = append(selected, c.ID)
			}
		}
		if len(selected) == 0 {
			return fmt.Errorf("nothing selected (use --select or --all)")
		}

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		rs, err := a.packaging.Adopt(cmd.Context(), &diff, selected)
		if err != nil {
			return err
		}
		return printJSON(cmd, rs)
	},
}

func readBundle(path string) (*packaging.Bundle, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return packaging.Decode(raw)
}

// writeOutput writes data to path, or to stdout when path is empty or "-".
func writeOutput(cmd *cobra.Command, path string, data []byte) error {
	if path == "" || path == "-" {
		_, err := cmd.OutOrStdout().Write(data)
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func init() {
	bundleExportCmd.Flags().String("format", string(packaging.EncodingJSON),
		"bundle encoding ("+strings.Join([]string{string(packaging.EncodingJSON), string(packaging.EncodingYAML)}, ", ")+")")
	bundleExportCmd.Flags().StringP("output", "o", "", "output file (default stdout)")
	bundleDiffCmd.Flags().StringP("output", "o", "", "output file (default stdout)")
	bundleAdoptCmd.Flags().StringSlice("select", nil, "change ids to adopt")
	bundleAdoptCmd.Flags().Bool("all", false, "adopt every change")
	bundleCmd.AddCommand(bundleExportCmd, bundleImportCmd, bundleDiffCmd, bundleAdoptCmd)
	rootCmd.AddCommand(bundleCmd)
}
