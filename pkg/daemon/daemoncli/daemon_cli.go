// Package daemoncli is the command line interface of the input daemon.
package daemoncli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/glasswing-wm/glasswing/internal/inputsvc"
	"github.com/glasswing-wm/glasswing/pkg/daemon"
)

func Main(ctx context.Context, args []string, in io.Reader, out, errOut io.Writer) error {
	dir, err := os.UserConfigDir()
	if err != nil {
		return err
	}
	cmd := NewRootCmd(filepath.Join(dir, "glasswing"))
	cmd.SetArgs(args)
	cmd.SetIn(in)
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	return cmd.ExecuteContext(ctx)
}

type daemonProvider func() *daemon.Daemon

func NewRootCmd(configDir string) *cobra.Command {
	cfg := daemon.Config{
		DataDir:    filepath.Join(configDir, "data"),
		ConfigFile: filepath.Join(configDir, "inputd.yml"),
	}
	rootCmd := &cobra.Command{
		Use:   "inputd",
		Short: "Glasswing input daemon",
		Long:  `inputd owns the input channels between the glasswing window server and its clients.`,
	}
	var d *daemon.Daemon
	provider := func() *daemon.Daemon {
		return d
	}
	rootCmd.PersistentFlags().StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "data directory")
	rootCmd.PersistentFlags().StringVar(&cfg.ConfigFile, "config", cfg.ConfigFile, "config file")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		var err error
		d, err = daemon.New(cfg)
		return err
	}
	rootCmd.PersistentPostRunE = func(cmd *cobra.Command, args []string) error {
		return d.Close()
	}
	rootCmd.AddCommand(NewRun(provider))
	rootCmd.AddCommand(NewListConnections(provider))
	rootCmd.AddCommand(NewBench())
	return rootCmd
}

func NewRun(d daemonProvider) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the input daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return d().Run(cmd.Context())
		},
	}
}

func NewListConnections(d daemonProvider) *cobra.Command {
	return &cobra.Command{
		Use:   "list-connections",
		Short: "List known input connections",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc := inputsvc.New(d().DB(), zap.NewNop(), time.Now)
			conns, err := svc.ListConnections()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tROLE\tTOKEN\tEVENTS\tLAST SEEN")
			for _, conn := range conns {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					conn.Name, conn.Role, conn.Token, conn.Events,
					conn.LastSeenAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
}
