// Command blockvault is the puller-side CLI: it drives pulls against a
// remote block device over SSH, lists and replays recorded consistent
// points, serves a historic point read-only over NBD, and squashes
// ranges of history.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/roach88/blockvault/internal/cli"
)

func main() {
	// SIGINT/SIGTERM cancel cmd.Context() in every subcommand: the puller
	// aborts its write transaction (no commit), kills the remote
	// transmitter, and releases the pull-lock; the NBD server closes its
	// listener and in-flight connection. See internal/cli and the
	// packages it wires for how each RunE reacts to ctx.Done().
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := cli.NewRootCommand()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "blockvault:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
