package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ravi-parthasarathy/reviewflow/pkg/pipeline"
)

// ─── lint ─────────────────────────────────────────────────────────────────────

func lintCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lint <pipeline.{dot,yaml,json}>",
		Short: "Validate a pipeline file without storing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := pipeline.LoadFile(args[0])
			if err != nil {
				return err
			}
			if lintErr := pipeline.ValidateErr(p); lintErr != nil {
				return lintErr
			}
			fmt.Fprintf(cmd.OutOrStdout(), "OK: pipeline %q is valid (%d nodes, %d edges)\n",
				p.Name, len(p.Nodes), len(p.Edges))
			return nil
		},
	}
	return cmd
}

// ─── graph ────────────────────────────────────────────────────────────────────

func graphCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "graph <pipeline.{dot,yaml,json}>",
		Short: "Print a human-readable summary of a pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := pipeline.LoadFile(args[0])
			if err != nil {
				return err
			}
			switch strings.ToLower(format) {
			case "dot":
				fmt.Fprint(cmd.OutOrStdout(), pipeline.RenderDOT(p))
			case "text", "":
				fmt.Fprint(cmd.OutOrStdout(), pipeline.RenderText(p))
			default:
				return fmt.Errorf("unknown format %q: use text or dot", format)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "text", "output format: text or dot")
	return cmd
}

// ─── template ─────────────────────────────────────────────────────────────────

func templateCmd() *cobra.Command {
	var (
		opts      pipeline.TemplateOptions
		fieldSpec string
		assign    string
		format    string
		output    string
	)

	cmd := &cobra.Command{
		Use:   "template",
		Short: "Generate a linear task/review pipeline",
		Long: `Generate a pipeline of --tasks subtasks, each followed by a review whose
reject edge loops back to the task.

Fields use the compact syntax id:kind[:required] separated by ';', with
dynamic-list sub-fields in parentheses, e.g.

  --fields "title:text:required; sources:dynamic-list(url:text:required,note:text)"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if fieldSpec != "" {
				fields, err := pipeline.ParseFieldSpec(fieldSpec)
				if err != nil {
					return fmt.Errorf("parse --fields: %w", err)
				}
				opts.Fields = fields
			}
			opts.ReviewerAssignment = pipeline.AssignmentBehavior(assign)
			if !opts.ReviewerAssignment.Known() {
				return fmt.Errorf("unknown assignment %q: use any, same-person or different-person", assign)
			}

			p, err := pipeline.GenerateTaskReview(opts)
			if err != nil {
				return err
			}
			if err := pipeline.ValidateErr(p); err != nil {
				return err
			}
			out, err := pipeline.Encode(p, pipeline.Format(strings.ToLower(format)))
			if err != nil {
				return err
			}
			if output == "" {
				_, err = cmd.OutOrStdout().Write(out)
				return err
			}
			if err := os.WriteFile(output, out, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", output, err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s\n", output)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.Name, "name", "", "pipeline name")
	f.IntVar(&opts.Tasks, "tasks", 1, "number of task/review pairs")
	f.IntVar(&opts.MaxAttempts, "max-attempts", 0, "escalate to the end node after this many attempts (0 disables)")
	f.StringVar(&fieldSpec, "fields", "", "fields on every task (default: one required long-text response)")
	f.StringVar(&assign, "reviewer", "", "reviewer assignment: any, same-person or different-person")
	f.StringVar(&format, "format", "yaml", "output format: yaml, json or dot")
	f.StringVarP(&output, "output", "o", "", "write to a file instead of stdout")
	return cmd
}
