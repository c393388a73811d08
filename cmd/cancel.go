package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCancelCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <session-id>",
		Short: "Cancel a session; in-flight chunks become no-ops",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, cleanup, err := app.sessions(cmd.Context(), app.logger(cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			defer cleanup()

			sess, err := svc.Cancel(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("cancel session %s: %w", args[0], err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "session %s %s: executed_in=%d remaining=%d\n",
				sess.ID, sess.State, sess.ExecutedAmountIn, sess.RemainingAmountIn)
			return err
		},
	}
}
