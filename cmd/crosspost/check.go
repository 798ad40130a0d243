package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"crosspost/internal/app"
	"crosspost/internal/config"
	logx "crosspost/pkg/logx"
)

func newCheckCommand(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the config and list the connections it builds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return check(cmd.OutOrStdout(), *cfgPath)
		},
	}
}

func check(out io.Writer, cfgPath string) error {
	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return err
	}
	rs, err := cfg.Relay.Resolve()
	if err != nil {
		return err
	}
	conns, _, err := app.BuildConnections(cfg, logx.Nop())
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tNAME\tMODES\tCAPABILITIES")
	for i, c := range conns {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", i, c.Name(), c.Modes(), c.Capabilities())
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	budget := "unlimited"
	if rs.WriteBudget > 0 {
		budget = fmt.Sprint(rs.WriteBudget)
	}
	fmt.Fprintf(out, "\npoll every %s, dispatch every %s, write budget %s per cycle, %d retry attempts\n",
		rs.PollInterval, rs.DispatchInterval, budget, rs.Retry.MaxAttempts)
	return nil
}
