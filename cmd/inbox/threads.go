package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vovakirdan/wirechat-inbox/internal/inbox/model"
)

func newThreadsCmd(opts *globalOptions) *cobra.Command {
	var (
		page   int
		search string
	)
	cmd := &cobra.Command{
		Use:   "threads",
		Short: "List threads with unread counts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := setup(opts)
			if err != nil {
				return err
			}
			threads, pagination, err := e.client.ListThreads(cmd.Context(), page, search)
			if err != nil {
				return err
			}
			printThreads(cmd.OutOrStdout(), threads)
			fmt.Fprintf(cmd.OutOrStdout(), "page %d, %d threads total\n", pagination.Page, pagination.Total)
			return nil
		},
	}
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().StringVar(&search, "search", "", "filter by title or participant")
	return cmd
}

func threadName(t model.Thread) string {
	if t.Title != "" {
		return t.Title
	}
	names := make([]string, 0, len(t.Participants))
	for _, p := range t.Participants {
		if !p.IsCurrentUser {
			names = append(names, p.DisplayName)
		}
	}
	return strings.Join(names, ", ")
}

func printThreads(w io.Writer, threads []model.Thread) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTHREAD\tUNREAD\tUPDATED\tLAST")
	for _, t := range threads {
		last := ""
		if t.LastMessage != nil {
			last = t.LastMessage.SenderName + ": " + t.LastMessage.Text
			if len(last) > 48 {
				last = last[:45] + "..."
			}
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\n", t.ID, threadName(t), t.UnreadCount, t.UpdatedAt.Local().Format(time.DateTime), last)
	}
	_ = tw.Flush()
}
