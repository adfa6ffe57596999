package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/blockvault/internal/squash"
	"github.com/roach88/blockvault/internal/store"
)

// squashResult is reported back after a successful squash.
type squashResult struct {
	StartLSN       int64 `json:"start_lsn"`
	EndLSN         int64 `json:"end_lsn"`
	RowsWritten    int   `json:"rows_written"`
	CASBlocksSwept int64 `json:"cas_blocks_swept"`
}

// NewSquashCommand collapses all consistent points strictly between two
// retained endpoints, rewriting redo history so the endpoints replay
// unchanged while everything between them becomes unreconstructable.
func NewSquashCommand(opts *RootOptions) *cobra.Command {
	var dbPath string
	var startLSN, endLSN int64
	var dataLoss bool

	cmd := &cobra.Command{
		Use:   "squash",
		Short: "collapse an interval of consistent points, keeping both endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose, TraceID: opts.TraceID}

			st, err := store.Open(dbPath)
			if err != nil {
				return WrapExitError(ExitCommandError, "open store", err)
			}
			defer st.Close()

			if !dataLoss {
				return WrapExitError(ExitFailure, "squash requires --data-loss", store.ErrRangeInvalid)
			}

			result, err := squash.Run(cmd.Context(), st, startLSN, endLSN, dataLoss)
			if err != nil {
				return WrapExitError(ExitFailure, "squash failed", err)
			}

			return formatter.Success(squashResult{
				StartLSN:       startLSN,
				EndLSN:         endLSN,
				RowsWritten:    result.RowsWritten,
				CASBlocksSwept: result.CASBlocksSwept,
			})
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "path to the store database")
	cmd.Flags().Int64Var(&startLSN, "start-lsn", 0, "retained consistent point at the start of the interval")
	cmd.Flags().Int64Var(&endLSN, "end-lsn", 0, "retained consistent point at the end of the interval")
	cmd.Flags().BoolVar(&dataLoss, "data-loss", false, "confirm permanent loss of intermediate consistent points")
	cmd.MarkFlagRequired("db")
	cmd.MarkFlagRequired("start-lsn")
	cmd.MarkFlagRequired("end-lsn")

	return cmd
}
