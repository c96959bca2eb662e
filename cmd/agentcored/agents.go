package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List configured agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}

		fmt.Printf("%-20s %s\n", "local", "in-process model loop ("+cfg.Model.Provider+")")
		for _, a := range cfg.Agents {
			cmdline := a.Command
			if len(a.Args) > 0 {
				cmdline += " " + strings.Join(a.Args, " ")
			}
			fmt.Printf("%-20s %s\n", a.ID, cmdline)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(agentsCmd)
}
