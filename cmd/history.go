package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/voicecheck/internal/history"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show past comparison results",
	Long:  `Show the comparison results recorded on this machine, newest first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		clearAll, _ := cmd.Flags().GetBool("clear")
		output, _ := cmd.Flags().GetString("output")

		store, err := history.Open(history.Options{Dir: cfg.Output.HistoryDirectory})
		if err != nil {
			return err
		}
		defer store.Close()

		if clearAll {
			if err := store.Clear(); err != nil {
				return fmt.Errorf("failed to clear history: %w", err)
			}
			fmt.Println("History cleared")
			return nil
		}

		results, err := store.List(limit)
		if err != nil {
			return err
		}

		return printOutput(os.Stdout, output, results, func() error {
			if len(results) == 0 {
				fmt.Println(styles.Help.Render("No comparisons recorded"))
				return nil
			}
			for _, r := range results {
				verdict := styles.Miss.Render(r.Summary())
				if r.Match {
					verdict = styles.Match.Render(r.Summary())
				}
				fmt.Printf("%s  user %-6s %6.2f%% (threshold %.0f%%)  %s\n",
					styles.Label.Render(r.ComparedAt.Local().Format("2006-01-02 15:04:05")),
					r.ReferenceID, r.Percentage, r.Threshold, verdict)
			}
			return nil
		})
	},
}

func init() {
	historyCmd.Flags().IntP("limit", "n", 20, "number of results to show, 0 for all")
	historyCmd.Flags().Bool("clear", false, "delete all recorded results")
	historyCmd.Flags().StringP("output", "o", "text", "output format: text, json or yaml")
}
