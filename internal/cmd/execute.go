package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ob-poc/runbook-engine/internal/exec"
	"github.com/ob-poc/runbook-engine/internal/planner"
)

func newExecuteCommand() *cobra.Command {
	var (
		actorClearance string
		entityType     string
		jurisdiction   string
		verbs          []string
	)

	cmd := &cobra.Command{
		Use:   "execute",
		Short: "Compile a verb request and run it through the Execution Gate",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExecute(cmd.Context(), actorClearance, entityType, jurisdiction, verbs)
		},
	}

	cmd.Flags().StringVar(&actorClearance, "actor-clearance", "", "requesting actor's clearance label")
	cmd.Flags().StringVar(&entityType, "entity-type", "", "target entity type")
	cmd.Flags().StringVar(&jurisdiction, "jurisdiction", "", "target jurisdiction code")
	cmd.Flags().StringSliceVar(&verbs, "verb", nil, "requested verb (repeatable)")
	cmd.MarkFlagRequired("actor-clearance")
	cmd.MarkFlagRequired("verb")

	return cmd
}

func runExecute(ctx context.Context, actorClearance, entityType, jurisdiction string, verbs []string) error {
	app, err := NewApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	sess := app.Sessions.Get("")
	rb, err := app.Builder.Compile(ctx, planner.CompileRequest{
		ActorClearance: actorClearance,
		EntityType:     entityType,
		Jurisdiction:   jurisdiction,
		Verbs:          verbs,
		Session:        sess,
	})
	if err != nil {
		if c, ok := err.(*planner.ClarificationError); ok {
			fmt.Printf("clarification needed: %s\nsuggestions: %v\n", c.Question, c.Suggestions)
			return nil
		}
		return fmt.Errorf("cmd: compile: %w", err)
	}

	if err := app.Runbooks.Save(ctx, rb); err != nil {
		return fmt.Errorf("cmd: persist runbook: %w", err)
	}

	outcome, err := app.Gate.Run(ctx, rb)
	if err != nil {
		return fmt.Errorf("cmd: execute: %w", err)
	}
	if outcome == exec.Completed {
		sess.ApplyCompletion(rb.ExecutedVerbs(), rb.SetsState)
	}

	fmt.Printf("runbook_id=%s runbook_version=%d outcome=%s\n", rb.ID, rb.RunbookVersion, outcome)
	return nil
}
