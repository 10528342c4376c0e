package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kapixcr/Kapchat-sub000/internal/diagram"
	"github.com/kapixcr/Kapchat-sub000/internal/flowfile"
	"github.com/kapixcr/Kapchat-sub000/internal/store"
	"github.com/kapixcr/Kapchat-sub000/pkg/schema"
)

func (c *cli) flowsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flows",
		Short: "Manage flow definitions",
	}
	cmd.AddCommand(c.flowsImportCmd(), c.flowsValidateCmd(), c.flowsListCmd(), c.flowsExportCmd(), c.flowsDiagramCmd())
	return cmd
}

// loadFlowArgs loads and normalizes every file or directory named in args.
func loadFlowArgs(args []string) ([]*schema.Flow, error) {
	var flows []*schema.Flow
	for _, p := range args {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if info.IsDir() {
			dirFlows, err := flowfile.LoadDir(p)
			if err != nil {
				return nil, err
			}
			flows = append(flows, dirFlows...)
			continue
		}
		f, err := flowfile.Load(p)
		if err != nil {
			return nil, err
		}
		flows = append(flows, f)
	}
	for _, f := range flows {
		if err := flowfile.Normalize(f); err != nil {
			return nil, fmt.Errorf("flow %s: %w", f.ID, err)
		}
	}
	return flows, nil
}

func printIssues(cmd *cobra.Command, flowID string, result *schema.ValidationResult) {
	out := cmd.ErrOrStderr()
	for _, e := range result.Errors {
		fmt.Fprintf(out, "%s: error: %s: %s\n", flowID, e.Path, e.Message)
	}
	for _, w := range result.Warnings {
		fmt.Fprintf(out, "%s: warning: %s: %s\n", flowID, w.Path, w.Message)
	}
}

func (c *cli) flowsImportCmd() *cobra.Command {
	var activate bool
	cmd := &cobra.Command{
		Use:   "import <file|dir>...",
		Short: "Validate and store flow files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flows, err := loadFlowArgs(args)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), c.cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			// Validate everything first so a bad file stores nothing.
			failed := 0
			for _, f := range flows {
				if activate {
					f.IsActive = true
				}
				result := a.validator.Validate(f)
				printIssues(cmd, f.ID, result)
				if !result.Valid() {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d flow(s) invalid, nothing imported", failed, len(flows))
			}

			for _, f := range flows {
				if err := a.store.SaveFlow(cmd.Context(), f); err != nil {
					return fmt.Errorf("save %s: %w", f.ID, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "imported %s (version %d)\n", f.ID, f.Version)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&activate, "activate", false, "Mark imported flows active")
	return cmd
}

func (c *cli) flowsValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file|dir>...",
		Short: "Check flow files without storing them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flows, err := loadFlowArgs(args)
			if err != nil {
				return err
			}
			v, _, _, err := newValidator(nil, defaultHTTPConfig(c.cfg))
			if err != nil {
				return err
			}

			failed := 0
			for _, f := range flows {
				result := v.Validate(f)
				printIssues(cmd, f.ID, result)
				if result.Valid() {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", f.ID)
				} else {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d flow(s) invalid", failed, len(flows))
			}
			return nil
		},
	}
}

func (c *cli) flowsListCmd() *cobra.Command {
	var (
		trigger    string
		activeOnly bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored flows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore(cmd.Context(), c.cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			flows, err := s.ListFlows(cmd.Context(), store.FlowFilter{
				TriggerType: schema.TriggerType(trigger),
				ActiveOnly:  activeOnly,
			})
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tTRIGGER\tVALUE\tACTIVE\tVERSION")
			for _, f := range flows {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%d\n", f.ID, f.Name, f.TriggerType, f.TriggerValue, f.IsActive, f.Version)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&trigger, "trigger", "", "Only flows with this trigger type")
	cmd.Flags().BoolVar(&activeOnly, "active", false, "Only active flows")
	return cmd
}

func (c *cli) flowsExportCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "export <flow-id>",
		Short: "Print a stored flow as YAML or JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore(cmd.Context(), c.cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			f, err := s.GetFlow(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			format := flowfile.FormatYAML
			if asJSON {
				format = flowfile.FormatJSON
			}
			out, err := flowfile.Marshal(f, format)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of YAML")
	return cmd
}

func (c *cli) flowsDiagramCmd() *cobra.Command {
	var (
		format      string
		executionID string
		output      string
	)
	cmd := &cobra.Command{
		Use:   "diagram [flow-id]",
		Short: "Draw a stored flow, optionally with an execution's progress",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var flowID string
			if len(args) == 1 {
				flowID = args[0]
			}
			if flowID == "" && executionID == "" {
				return fmt.Errorf("a flow id or --execution is required")
			}

			s, err := openStore(cmd.Context(), c.cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			model, err := diagram.Load(cmd.Context(), s, flowID, executionID)
			if err != nil {
				return err
			}
			out, err := diagram.Render(cmd.Context(), model, format)
			if err != nil {
				return err
			}
			if output != "" {
				return os.WriteFile(output, out, 0o644)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	cmd.Flags().StringVar(&format, "format", "ascii", "Output format: "+strings.Join(diagram.Formats, ", "))
	cmd.Flags().StringVar(&executionID, "execution", "", "Overlay the progress of this execution")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write to a file instead of stdout")
	return cmd
}
