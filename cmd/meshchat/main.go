package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"meshchat/internal/app"
	"meshchat/internal/config"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

type flags struct {
	home    string
	debug   bool
	listen  string
	offline bool
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	root := newRootCmd(stdin, stdout)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "meshchat: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd(stdin io.Reader, stdout io.Writer) *cobra.Command {
	f := &flags{}
	root := &cobra.Command{
		Use:   "meshchat",
		Short: "Terminal chat client for a mesh messaging network",
		Long: `meshchat runs a local node on the mesh: it announces itself, receives
messages, and gives you a prompt for sending, replying, managing contacts
and plugins.

Run without arguments to start the interactive prompt.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app.New(app.Options{
				Home:    f.home,
				Debug:   f.debug,
				Listen:  f.listen,
				Offline: f.offline,
				In:      stdin,
				Out:     stdout,
			})
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Run(cmd.Context())
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&f.home, "home", config.DefaultHome(), "data directory")
	pf.BoolVar(&f.debug, "debug", false, "log at debug level")
	pf.StringVar(&f.listen, "listen", "", "UDP listen address (overrides listen_addr)")
	pf.BoolVar(&f.offline, "offline", false, "run without the network transport")

	root.AddCommand(
		oneShot(f, stdout, "status", "Show identity, settings and counters", "status"),
		oneShot(f, stdout, "peers", "List announced peers", "peers"),
		oneShot(f, stdout, "contacts", "List saved contacts", "contacts"),
		oneShot(f, stdout, "address", "Show this node's address", "address"),
		oneShot(f, stdout, "plugins", "List plugins and their state", "plugin list"),
	)
	return root
}

// oneShot runs a single prompt command against the home directory without
// joining the network.
func oneShot(f *flags, stdout io.Writer, use, short, line string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app.New(app.Options{
				Home:    f.home,
				Debug:   f.debug,
				Offline: true,
				Out:     stdout,
			})
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Exec(cmd.Context(), line)
		},
	}
}
