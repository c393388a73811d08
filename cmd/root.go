// Package cmd implements the kaskade command line.
package cmd

import "github.com/spf13/cobra"

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	app, err := wireApp()
	if err != nil {
		rootCmd := baseRootCmd()
		rootCmd.RunE = func(_ *cobra.Command, _ []string) error {
			return err
		}
		return rootCmd
	}
	return newRootCmdWithApp(app)
}

func baseRootCmd() *cobra.Command {
	return &cobra.Command{
		Use:           "kaskade",
		Short:         "kaskade: condition-driven micro-swap execution",
		Long:          "kaskade splits a swap into chunks and executes each chunk only when the market conditions chosen for the plan hold.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
}

func newRootCmdWithApp(app *app) *cobra.Command {
	rootCmd := baseRootCmd()
	rootCmd.AddCommand(
		newVersionCmd(),
		newServeCmd(app),
		newRunCmd(app),
		newCancelCmd(app),
		newStatusCmd(app),
		newMigrateCmd(app),
	)
	return rootCmd
}
