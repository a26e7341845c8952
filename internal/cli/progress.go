package cli

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"
)

var progressCmd = &cobra.Command{
	Use:   "progress",
	Short: "Show tracked job progress",
	Long: `Prints the locally tracked progress records, including ones restored
from the durable mirror after a restart. Unlike 'watch' this does not
open push channels.`,
	RunE: runProgress,
}

var progressClearCmd = &cobra.Command{
	Use:   "clear <id>",
	Short: "Drop the tracked record for a knowledge base",
	Args:  cobra.ExactArgs(1),
	RunE:  runProgressClear,
}

func init() {
	progressCmd.AddCommand(progressClearCmd)
}

func runProgress(cmd *cobra.Command, args []string) error {
	records := eng.Progress()
	if len(records) == 0 {
		fmt.Println("No tracked progress")
		return nil
	}

	ids := make([]string, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	now := time.Now()
	fmt.Printf("%-16s %-16s %-6s %-10s %s\n", "ID", "STAGE", "PCT", "AGE", "MESSAGE")
	for _, id := range ids {
		rec := records[id]
		fmt.Printf("%-16s %-16s %-6s %-10s %s\n",
			id,
			rec.Stage,
			fmt.Sprintf("%d%%", rec.ProgressPercent),
			rec.Age(now).Round(time.Second),
			rec.Message,
		)
	}
	return nil
}

func runProgressClear(cmd *cobra.Command, args []string) error {
	eng.ClearProgress(context.Background(), args[0])
	fmt.Printf("Cleared progress for %s\n", args[0])
	return nil
}
