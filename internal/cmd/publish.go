package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ob-poc/runbook-engine/internal/authoring"
)

func newPublishCommand() *cobra.Command {
	var (
		name        string
		bundleDir   string
		hashVersion int
		breaking    bool
	)

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Dry-run then publish a bundle's forward migrations (drift reverts to dry_run_ok)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPublish(cmd.Context(), name, bundleDir, hashVersion, breaking)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "change set name")
	cmd.Flags().StringVar(&bundleDir, "bundle", "", "directory containing the change set's artifact files")
	cmd.Flags().IntVar(&hashVersion, "hash-version", 1, "Merkle root hash version the bundle was built under")
	cmd.Flags().BoolVar(&breaking, "breaking-change", false, "declare this change set as an intentional breaking change")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("bundle")

	return cmd
}

func runPublish(ctx context.Context, name, bundleDir string, hashVersion int, breaking bool) error {
	app, err := NewApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	artifacts, err := loadBundle(bundleDir)
	if err != nil {
		return err
	}

	cs := authoringChangeSet(name, hashVersion, artifacts)
	cs.Breaking = breaking
	cs.Migrations = migrationsFrom(artifacts)

	proposed, err := app.Pipeline.Propose(ctx, cs)
	if err != nil {
		return err
	}
	if !proposed.Validation.OK {
		for _, e := range proposed.Validation.Errors {
			fmt.Printf("%s: %s\n", e.Code(), e.Error())
		}
		return fmt.Errorf("cmd: change set %s rejected at propose time", proposed.ChangeSet.ID)
	}
	cs = proposed.ChangeSet
	cs.Breaking = breaking
	cs.Migrations = migrationsFrom(artifacts)

	dryRun, err := app.Pipeline.DryRunChangeSet(ctx, cs)
	if err != nil {
		return err
	}
	if !dryRun.OK {
		for _, e := range dryRun.Errors {
			fmt.Printf("%s: %s\n", e.Code(), e.Error())
		}
		return fmt.Errorf("cmd: change set %s failed dry-run", cs.ID)
	}

	if err := app.Pipeline.Publish(ctx, cs, dryRun.ObservedHash); err != nil {
		return fmt.Errorf("cmd: publish: %w", err)
	}
	if err := app.Cache.Invalidate(ctx); err != nil {
		app.Log.Warnw("publish: failed to invalidate snapshot-set cache", "error", err)
	}
	fmt.Printf("published changeset_id=%s\n", cs.ID)
	return nil
}

// migrationsFrom extracts forward-migration artifact bodies in path
// order; down-migrations are bundled for rollback tooling but the
// Authoring Pipeline only ever applies the forward statements.
func migrationsFrom(artifacts []authoring.Artifact) []string {
	var stmts []string
	for _, a := range artifacts {
		if a.Kind == authoring.ArtifactForwardMigration {
			stmts = append(stmts, strings.TrimSpace(string(a.ContentBytes)))
		}
	}
	return stmts
}
