package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newProposeCommand() *cobra.Command {
	var (
		name        string
		bundleDir   string
		hashVersion int
	)

	cmd := &cobra.Command{
		Use:   "propose",
		Short: "Propose a change set bundle (idempotent on repeat content)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPropose(cmd.Context(), name, bundleDir, hashVersion)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "change set name")
	cmd.Flags().StringVar(&bundleDir, "bundle", "", "directory containing the change set's artifact files")
	cmd.Flags().IntVar(&hashVersion, "hash-version", 1, "Merkle root hash version the bundle was built under")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("bundle")

	return cmd
}

func runPropose(ctx context.Context, name, bundleDir string, hashVersion int) error {
	app, err := NewApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	artifacts, err := loadBundle(bundleDir)
	if err != nil {
		return err
	}

	result, err := app.Pipeline.Propose(ctx, authoringChangeSet(name, hashVersion, artifacts))
	if err != nil {
		return err
	}

	app.Log.Infow("proposed change set", "changeset_id", result.ChangeSet.ID.String(), "status", result.ChangeSet.Status)
	if !result.Validation.OK {
		for _, e := range result.Validation.Errors {
			fmt.Printf("%s: %s\n", e.Code(), e.Error())
		}
		return fmt.Errorf("cmd: change set %s rejected at propose time", result.ChangeSet.ID)
	}
	fmt.Printf("changeset_id=%s status=%s content_hash=%s\n",
		result.ChangeSet.ID, result.ChangeSet.Status, result.ChangeSet.ContentHash)
	return nil
}
