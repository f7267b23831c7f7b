package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var scanConfigPath string

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for running Archicad instances and print them as JSON",
	RunE:  runScan,
}

func init() {
	scanCmd.Flags().StringVarP(&scanConfigPath, "config", "c", "", "Path to config file (YAML or JSON)")
}

func runScan(cmd *cobra.Command, _ []string) error {
	c, err := initComponents(scanConfigPath)
	if err != nil {
		return err
	}
	defer c.Cleanup()

	instances := c.Manager.Refresh(cmd.Context())
	if len(instances) == 0 {
		fmt.Fprintln(os.Stderr, "no running Archicad instance found")
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{
		"instances": instances,
		"total":     len(instances),
	})
}
