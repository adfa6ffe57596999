package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/blockvault/internal/store"
)

// consistentPointView is the JSON-friendly shape of a consistent point,
// matching the on-disk data model's created_at unit (unix seconds).
type consistentPointView struct {
	LSN       int64 `json:"lsn"`
	Size      int64 `json:"size"`
	CreatedAt int64 `json:"created_at"`
}

// NewListCommand lists every recorded consistent point.
func NewListCommand(opts *RootOptions) *cobra.Command {
	var dbPath string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "list recorded consistent points",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.Open(dbPath)
			if err != nil {
				return WrapExitError(ExitCommandError, "open store", err)
			}
			defer st.Close()

			points, err := st.ListConsistentPoints(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "list consistent points", err)
			}

			views := make([]consistentPointView, len(points))
			for i, cp := range points {
				views[i] = consistentPointView{LSN: cp.LSN, Size: cp.Size, CreatedAt: cp.CreatedAt}
			}

			// --json prints a bare array (the documented interchange
			// format); otherwise fall through to the CLI's normal
			// text/json response envelope.
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(views)
			}

			formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose, TraceID: opts.TraceID}
			if opts.Format == "json" {
				return formatter.Success(views)
			}

			for _, v := range views {
				fmt.Fprintf(cmd.OutOrStdout(), "lsn=%d size=%d created_at=%s\n",
					v.LSN, v.Size, time.Unix(v.CreatedAt, 0).UTC().Format(time.RFC3339))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "path to the store database")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print consistent points as a JSON array")
	cmd.MarkFlagRequired("db")

	return cmd
}
