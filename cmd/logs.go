package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/faceid/internal/config"
)

var logsRotateCmd = &cobra.Command{
	Use:   "rotate-logs",
	Short: "Archive oversized attempt and review logs",
	RunE:  runLogsRotate,
}

func init() {
	rootCmd.AddCommand(logsRotateCmd)
}

func runLogsRotate(cmd *cobra.Command, args []string) error {
	svc, err := openService(config.Load(), newLogger())
	if err != nil {
		return err
	}
	if err := svc.Store().RotateLogs(); err != nil {
		return err
	}
	fmt.Println("Logs rotated")
	return nil
}
