package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newValidateCommand() *cobra.Command {
	var (
		name        string
		bundleDir   string
		hashVersion int
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Run Stage-1 validation on a bundle without proposing it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd.Context(), name, bundleDir, hashVersion)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "change set name")
	cmd.Flags().StringVar(&bundleDir, "bundle", "", "directory containing the change set's artifact files")
	cmd.Flags().IntVar(&hashVersion, "hash-version", 1, "Merkle root hash version the bundle was built under")
	cmd.MarkFlagRequired("bundle")

	return cmd
}

func runValidate(ctx context.Context, name, bundleDir string, hashVersion int) error {
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
	cs.ContentHash = computeContentHashFor(cs)
	result := app.Pipeline.ValidateChangeSet(ctx, cs)

	if result.OK {
		fmt.Printf("ok content_hash=%s\n", cs.ContentHash)
		return nil
	}
	for _, e := range result.Errors {
		fmt.Printf("%s: %s\n", e.Code(), e.Error())
	}
	return fmt.Errorf("cmd: bundle failed Stage-1 validation")
}
