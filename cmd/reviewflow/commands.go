package main

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ravi-parthasarathy/reviewflow/pkg/execution"
	"github.com/ravi-parthasarathy/reviewflow/pkg/pipeline"
	"github.com/ravi-parthasarathy/reviewflow/pkg/store"
)

// ─── pipeline ─────────────────────────────────────────────────────────────────

func pipelineCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Manage stored pipelines",
	}
	cmd.AddCommand(pipelineImportCmd(a), pipelineListCmd(a), pipelineExportCmd(a), pipelineDeleteCmd(a))
	return cmd
}

func pipelineImportCmd(a *app) *cobra.Command {
	var (
		id    string
		newID bool
		actor string
	)
	cmd := &cobra.Command{
		Use:   "import <pipeline.{dot,yaml,json}>",
		Short: "Validate a pipeline file and store it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := pipeline.LoadFile(args[0])
			if err != nil {
				return err
			}
			switch {
			case newID:
				p.ID = ""
			case id != "":
				p.ID = id
			}
			s, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			created, err := s.svc.CreatePipeline(cmd.Context(), p, actor)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported pipeline %q as %s\n", created.Name, created.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "pipeline id (default: the graph name or file name)")
	cmd.Flags().BoolVar(&newID, "new-id", false, "assign a fresh random id")
	cmd.Flags().StringVar(&actor, "actor", "", "recorded as the pipeline's creator")
	return cmd
}

func pipelineListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored pipelines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			ps, err := s.svc.ListPipelines(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tNODES\tCREATED")
			for _, p := range ps {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", p.ID, p.Name, len(p.Nodes), p.CreatedAt.Format("2006-01-02 15:04"))
			}
			return tw.Flush()
		},
	}
}

func pipelineExportCmd(a *app) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "export <pipelineId>",
		Short: "Print a stored pipeline as yaml, json or dot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			p, err := s.svc.GetPipeline(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out, err := pipeline.Encode(p, pipeline.Format(strings.ToLower(format)))
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	cmd.Flags().StringVar(&format, "format", "yaml", "output format: yaml, json or dot")
	return cmd
}

func pipelineDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <pipelineId>",
		Short: "Delete a pipeline with no active executions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()
			if err := s.svc.DeletePipeline(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted pipeline %s\n", args[0])
			return nil
		},
	}
}

// ─── executions ───────────────────────────────────────────────────────────────

func startCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "start <pipelineId>",
		Short: "Start an execution and print it as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			ex, err := s.svc.StartExecution(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), ex)
		},
	}
}

func showCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <executionId>",
		Short: "Print an execution as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			ex, err := s.svc.GetExecution(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), ex)
		},
	}
}

func executionsCmd(a *app) *cobra.Command {
	var filter store.ExecutionFilter
	var status string
	cmd := &cobra.Command{
		Use:   "executions",
		Short: "List executions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter.Status = execution.Status(status)
			s, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			es, err := s.svc.ListExecutions(cmd.Context(), filter)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tPIPELINE\tSTATUS\tCURRENT\tUPDATED")
			for _, ex := range es {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					ex.ID, ex.PipelineID, ex.Status, ex.CurrentNodeID, ex.UpdatedAt.Format("2006-01-02 15:04:05"))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&filter.PipelineID, "pipeline", "", "only executions of this pipeline")
	cmd.Flags().StringVar(&status, "status", "", "only executions with this status: active or completed")
	return cmd
}

// parseAssignments splits key=value pairs. A bare key maps to "".
func parseAssignments(pairs []string) map[string]string {
	out := make(map[string]string, len(pairs))
	for _, kv := range pairs {
		k, v, _ := strings.Cut(kv, "=")
		out[strings.TrimSpace(k)] = v
	}
	return out
}

func submitCmd(a *app) *cobra.Command {
	var (
		fields []string
		actor  string
	)
	cmd := &cobra.Command{
		Use:   "submit <executionId> <nodeId>",
		Short: "Submit field values on the current subtask",
		Example: `  reviewflow submit 3f2c... draft --field title="Hello" \
    --field 'links=[{"url":"https://example.com"}]' --actor alice`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			ex, err := s.svc.SubmitSubtask(cmd.Context(), args[0], args[1], parseAssignments(fields), actor)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "submitted %s; execution %s is now at %s\n", args[1], ex.ID, ex.CurrentNodeID)
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&fields, "field", nil, "field value as id=value (repeatable)")
	cmd.Flags().StringVar(&actor, "actor", "", "editor id")
	return cmd
}

func reviewCmd(a *app) *cobra.Command {
	var (
		accepted []string
		rejected []string
		actor    string
	)
	cmd := &cobra.Command{
		Use:   "review <executionId> <nodeId>",
		Short: "Accept or reject each field on the current review",
		Example: `  reviewflow review 3f2c... check --accept title --reject "body=needs sources" --actor bob`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var reviews []execution.FieldReview
			for _, id := range accepted {
				reviews = append(reviews, execution.FieldReview{FieldID: id, Status: execution.VersionAccepted})
			}
			rej := parseAssignments(rejected)
			ids := make([]string, 0, len(rej))
			for id := range rej {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				reviews = append(reviews, execution.FieldReview{FieldID: id, Status: execution.VersionRejected, Comment: rej[id]})
			}

			s, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			ex, err := s.svc.SubmitReview(cmd.Context(), args[0], args[1], reviews, actor)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reviewed %s; execution %s is %s at %s\n", args[1], ex.ID, ex.Status, ex.CurrentNodeID)
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&accepted, "accept", nil, "field id to accept (repeatable)")
	cmd.Flags().StringArrayVar(&rejected, "reject", nil, "field to reject as id=comment (repeatable)")
	cmd.Flags().StringVar(&actor, "actor", "", "reviewer id")
	return cmd
}

// ─── queue ────────────────────────────────────────────────────────────────────

func queueCmd(a *app) *cobra.Command {
	var (
		actor  string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Show editor or reviewer work queues",
	}
	cmd.PersistentFlags().StringVar(&actor, "actor", "", "only items this actor may take")
	cmd.PersistentFlags().BoolVar(&asJSON, "json", false, "print the full queue as JSON")

	editor := &cobra.Command{
		Use:   "editor",
		Short: "Subtasks waiting for an editor, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			items, err := s.svc.EditorQueue(cmd.Context(), actor)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), items)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "EXECUTION\tPIPELINE\tNODE\tREVISION\tASSIGNED\tSINCE")
			for _, it := range items {
				revision := "-"
				if len(it.RejectedFieldIDs) > 0 {
					revision = strings.Join(it.RejectedFieldIDs, ",")
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", it.ExecutionID, it.PipelineName, it.NodeLabel,
					revision, orDash(it.Assignment.String()), it.BecameActionableAt.Format("2006-01-02 15:04:05"))
			}
			return tw.Flush()
		},
	}

	reviewer := &cobra.Command{
		Use:   "reviewer",
		Short: "Reviews waiting for a reviewer, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			items, err := s.svc.ReviewerQueue(cmd.Context(), actor)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), items)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "EXECUTION\tPIPELINE\tNODE\tFIELDS\tASSIGNED\tSINCE")
			for _, it := range items {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", it.ExecutionID, it.PipelineName, it.NodeLabel,
					len(it.FieldsToReview), orDash(it.Assignment.String()), it.BecameActionableAt.Format("2006-01-02 15:04:05"))
			}
			return tw.Flush()
		},
	}

	cmd.AddCommand(editor, reviewer)
	return cmd
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
