package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/blockvault/internal/cas"
	"github.com/roach88/blockvault/internal/logging"
	"github.com/roach88/blockvault/internal/nbd"
	"github.com/roach88/blockvault/internal/replay"
	"github.com/roach88/blockvault/internal/store"
)

// NewServeCommand exposes a recorded consistent point over NBD, read-only.
func NewServeCommand(opts *RootOptions) *cobra.Command {
	var dbPath, addr string
	var lsn int64

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "serve a recorded consistent point as a read-only NBD export",
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
			img := &nbd.Image{Size: cp.Size, Proj: proj, CAS: c}

			logger := logging.New(formatter.GetErrWriter(), opts.Verbose)
			logger.Info("serving consistent point over nbd", "lsn", cp.LSN, "size", cp.Size, "addr", addr)

			if err := nbd.Serve(cmd.Context(), addr, img, logger); err != nil {
				return WrapExitError(ExitFailure, "nbd server exited", err)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "path to the store database")
	cmd.Flags().StringVar(&addr, "listen", "unix:/tmp/blockvault.sock", "address to serve on (host:port or unix:/path)")
	cmd.Flags().Int64Var(&lsn, "lsn", 0, "consistent point LSN to serve (defaults to the latest)")
	cmd.MarkFlagRequired("db")

	return cmd
}
