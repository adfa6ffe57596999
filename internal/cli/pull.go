package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/blockvault/internal/cas"
	"github.com/roach88/blockvault/internal/config"
	"github.com/roach88/blockvault/internal/logging"
	"github.com/roach88/blockvault/internal/puller"
	"github.com/roach88/blockvault/internal/store"
	"github.com/roach88/blockvault/internal/transport"
)

// NewPullCommand runs one incremental pull against the configured remote.
func NewPullCommand(opts *RootOptions) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "pull",
		Short: "pull the latest state of the remote device into the local store",
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose, TraceID: opts.TraceID}

			cfg, err := config.Load(configPath)
			if err != nil {
				return WrapExitError(ExitCommandError, "load config", err)
			}

			st, err := store.Open(cfg.Local.DB)
			if err != nil {
				return WrapExitError(ExitCommandError, "open store", err)
			}
			defer st.Close()
			if cfg.Local.PullLock != "" {
				st.SetLockPath(cfg.Local.PullLock)
			}

			c := cas.New(st)

			logger := logging.New(formatter.GetErrWriter(), opts.Verbose)

			tr, err := transport.DialSSH(cmd.Context(), transport.SSHConfig{
				Host:     cfg.Remote.Server,
				Port:     cfg.Remote.PortOrDefault(),
				User:     cfg.Remote.User,
				KeyPath:  cfg.Remote.Key,
				Insecure: cfg.Remote.Verify == config.VerifyInsecure,
			})
			if err != nil {
				return WrapExitError(ExitCommandError, "dial remote", err)
			}
			defer tr.Close()

			result, err := puller.Run(cmd.Context(), cfg, st, c, tr, logger)
			if err != nil {
				return WrapExitError(ExitFailure, "pull failed", err)
			}

			return formatter.Success(result)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the backup config file")
	cmd.MarkFlagRequired("config")

	return cmd
}
