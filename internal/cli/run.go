package cli

import (
	"github.com/spf13/cobra"
)

var (
	runListen   string
	runNoServer bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the monitor, retention sweeper and observer listener",
	RunE: func(cmd *cobra.Command, args []string) error {
		a := getApp()
		flags := cmd.Flags()

		if flags.Changed("listen") {
			a.Config.Server.ListenAddr = runListen
		}
		if runNoServer {
			a.Config.Server.ListenAddr = ""
		}
		if flags.Changed("interval") {
			interval, err := flags.GetDuration("interval")
			if err != nil {
				return err
			}
			a.Config.Monitor.Interval = interval
		}
		if err := a.Config.Validate(); err != nil {
			return err
		}

		return a.Run(cmd.Context())
	},
}

func init() {
	runCmd.Flags().StringVar(&runListen, "listen", "", "Override server.listen_addr")
	runCmd.Flags().Duration("interval", 0, "Override monitor.interval")
	runCmd.Flags().BoolVar(&runNoServer, "no-server", false, "Do not start the websocket/metrics listener")
}
