package cmd

import (
	"github.com/spf13/cobra"
)

// NewRootCommand builds the top-level cobra command tree. Each
// subcommand owns its flags and delegates to a Run* function that
// takes a bootstrapped *App, so the wiring in app.go is exercised the
// same way whether it's invoked from this binary or from a test.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "runbook-engine",
		Short: "Compile and execute governed DSL runbooks",
		Long: `runbook-engine hosts the Semantic Registry, the Authoring
Pipeline, the Plan Builder, and the Execution Gate: propose and publish
verb/macro/policy changesets, compile a verb request into a frozen
runbook, and run it through the sole execution path.`,
	}

	root.AddCommand(
		newProposeCommand(),
		newValidateCommand(),
		newPublishCommand(),
		newCompileCommand(),
		newExecuteCommand(),
		newServeCommand(),
	)
	return root
}
