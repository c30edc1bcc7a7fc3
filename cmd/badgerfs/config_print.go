package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configPrintCmd = &cobra.Command{
	Use:   "config print",
	Short: "Print the fully resolved mount configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfig(); err != nil {
			return err
		}
		out, err := yaml.Marshal(mountConfig)
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		return nil
	},
}
