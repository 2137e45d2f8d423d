package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ob-poc/runbook-engine/internal/planner"
)

func newCompileCommand() *cobra.Command {
	var (
		actorClearance string
		entityType     string
		jurisdiction   string
		verbs          []string
	)

	cmd := &cobra.Command{
		Use:   "compile",
		Short: "Compile a verb request into a frozen runbook without executing it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(cmd.Context(), actorClearance, entityType, jurisdiction, verbs)
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

func runCompile(ctx context.Context, actorClearance, entityType, jurisdiction string, verbs []string) error {
	app, err := NewApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	rb, err := app.Builder.Compile(ctx, planner.CompileRequest{
		ActorClearance: actorClearance,
		EntityType:     entityType,
		Jurisdiction:   jurisdiction,
		Verbs:          verbs,
		Preview:        true,
	})
	if err != nil {
		if c, ok := err.(*planner.ClarificationError); ok {
			fmt.Printf("clarification needed: %s\nsuggestions: %v\n", c.Question, c.Suggestions)
			return nil
		}
		return fmt.Errorf("cmd: compile: %w", err)
	}

	out, _ := json.MarshalIndent(rb, "", "  ")
	fmt.Println(string(out))
	return nil
}
