package main

import (
	"log"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	portName   string
	baudRate   int
	listenAddr string
	demo       bool
)

var rootCmd = &cobra.Command{
	Use:   "zipbridge",
	Short: "Serial bridge for the ZIP robot firmware",
	Long: `zipbridge owns the robot's serial link and exposes it over WebSocket and HTTP.

Commands are queued by priority, rate limited and matched to the firmware's
replies in send order. Motion is streamed as TTL-bounded setpoints so the robot
stops on its own if the bridge or a client goes away.

Examples:
  # Serve on the first USB serial port found
  zipbridge --port auto

  # Serve against the simulated firmware
  zipbridge serve --demo --listen :8765`,
	SilenceUsage: true,
	RunE:         runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/zipbridge/config.yaml", "Path to config file")
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "Serial port device, or \"auto\"")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", 0, "Baud rate")
	rootCmd.PersistentFlags().StringVarP(&listenAddr, "listen", "l", "", "Override listen address (e.g. :8765)")
	rootCmd.PersistentFlags().BoolVar(&demo, "demo", false, "Run against simulated firmware")
}

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
