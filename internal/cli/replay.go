package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/blockvault/internal/cas"
	"github.com/roach88/blockvault/internal/replay"
	"github.com/roach88/blockvault/internal/store"
)

// replayResult is reported back after a successful materialization.
type replayResult struct {
	LSN  int64 `json:"lsn"`
	Size int64 `json:"size"`
	Out  string `json:"out"`
}

// NewReplayCommand materializes a recorded consistent point to a local file.
func NewReplayCommand(opts *RootOptions) *cobra.Command {
	var dbPath, outPath string
	var lsn int64

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "materialize a recorded consistent point to a local file",
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose, TraceID: opts.TraceID}

			st, err := store.Open(dbPath)
			if err != nil {
				return WrapExitError(ExitCommandError, "open store", err)
			}
			defer st.Close()

			var cp store.ConsistentPoint
			if lsn == 0 {
				var ok bool
				cp, ok, err = st.LatestConsistentPoint(cmd.Context())
				if err != nil {
					return WrapExitError(ExitFailure, "load latest consistent point", err)
				}
				if !ok {
					return WrapExitError(ExitFailure, "no consistent points recorded yet", store.ErrLsnNotFound)
				}
			} else {
				cp, err = st.ConsistentPointAt(cmd.Context(), lsn)
				if err != nil {
					return WrapExitError(ExitCommandError, "load consistent point", err)
				}
			}

			proj, err := replay.BuildProjection(cmd.Context(), st, cp.LSN)
			if err != nil {
				return WrapExitError(ExitFailure, "build projection", err)
			}

			c := cas.New(st)

			out, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
			if err != nil {
				return WrapExitError(ExitCommandError, "open output file", err)
			}
			defer out.Close()

			if err := proj.MaterializeToFile(cmd.Context(), c, cp.Size, out); err != nil {
				return WrapExitError(ExitFailure, "materialize image", err)
			}

			return formatter.Success(replayResult{LSN: cp.LSN, Size: cp.Size, Out: outPath})
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "path to the store database")
	cmd.Flags().StringVar(&outPath, "output", "", "path to write the materialized image")
	cmd.Flags().Int64Var(&lsn, "lsn", 0, "consistent point LSN to materialize (defaults to the latest)")
	cmd.MarkFlagRequired("db")
	cmd.MarkFlagRequired("output")

	return cmd
}
