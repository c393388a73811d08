package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"kaskade/internal/domain"
)

type sessionStatus struct {
	ID                string   `json:"id"`
	UserID            string   `json:"user_id"`
	Pair              string   `json:"pair"`
	State             string   `json:"state"`
	TotalAmountIn     uint64   `json:"total_amount_in"`
	ExecutedAmountIn  uint64   `json:"executed_amount_in"`
	ExecutedAmountOut uint64   `json:"executed_amount_out"`
	RemainingAmountIn uint64   `json:"remaining_amount_in"`
	Chunks            string   `json:"chunks"`
	Pulses            []string `json:"pulses"`
}

func toStatus(s *domain.Session) sessionStatus {
	pulses := make([]string, 0, len(domain.AllPulseTypes))
	for _, p := range s.Thresholds.EnabledPulses() {
		pulses = append(pulses, string(p))
	}
	return sessionStatus{
		ID:                s.ID,
		UserID:            s.UserID,
		Pair:              s.Pair.Key(),
		State:             s.State.String(),
		TotalAmountIn:     s.TotalAmountIn,
		ExecutedAmountIn:  s.ExecutedAmountIn,
		ExecutedAmountOut: s.ExecutedAmountOut,
		RemainingAmountIn: s.RemainingAmountIn,
		Chunks:            fmt.Sprintf("%d/%d", s.NumExecutedChunks, s.TotalChunks()),
		Pulses:            pulses,
	}
}

func newStatusCmd(app *app) *cobra.Command {
	var (
		user   string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "status [session-id]",
		Short: "Show one session, or every session of a user",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && user == "" {
				return errors.New("pass a session id or --user")
			}
			svc, stores, cleanup, err := app.sessions(cmd.Context(), app.logger(cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			defer cleanup()

			var sessions []*domain.Session
			if len(args) == 1 {
				sess, err := svc.Get(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("get session %s: %w", args[0], err)
				}
				sessions = append(sessions, sess)
			} else {
				sessions, err = stores.Sessions.ListByUser(cmd.Context(), user)
				if err != nil {
					return fmt.Errorf("list sessions of %s: %w", user, err)
				}
			}

			statuses := make([]sessionStatus, len(sessions))
			for i, s := range sessions {
				statuses[i] = toStatus(s)
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(statuses)
			}
			return writeStatusTable(cmd.OutOrStdout(), statuses)
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "list sessions of this user")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func writeStatusTable(w io.Writer, statuses []sessionStatus) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPAIR\tSTATE\tCHUNKS\tEXECUTED_IN\tEXECUTED_OUT\tREMAINING")
	for _, s := range statuses {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
			s.ID, s.Pair, s.State, s.Chunks, s.ExecutedAmountIn, s.ExecutedAmountOut, s.RemainingAmountIn)
	}
	return tw.Flush()
}
