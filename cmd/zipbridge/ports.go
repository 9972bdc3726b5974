package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shaunagostinho/zipbridge/internal/transport"
)

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports and the one \"auto\" would pick",
	RunE:  runPorts,
}

func init() {
	rootCmd.AddCommand(portsCmd)
}

func runPorts(cmd *cobra.Command, args []string) error {
	ports, err := transport.ListPorts()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(ports) == 0 {
		fmt.Fprintln(out, "no serial ports found")
		return nil
	}
	for _, p := range ports {
		if p.IsUSB {
			fmt.Fprintf(out, "%-24s usb %s:%s %s\n", p.Name, p.VID, p.PID, p.Product)
		} else {
			fmt.Fprintf(out, "%-24s\n", p.Name)
		}
	}
	if name, err := transport.AutoSelectPort(); err == nil {
		fmt.Fprintf(out, "auto: %s\n", name)
	}
	return nil
}
