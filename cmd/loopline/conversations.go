package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	conversationsPage  int
	conversationsQuery string
	historyPage        int
	historyPageSize    int
)

func init() {
	conversationsCmd.Flags().IntVar(&conversationsPage, "page", 1, "page number")
	conversationsCmd.Flags().StringVarP(&conversationsQuery, "query", "q", "", "search query")
	historyCmd.Flags().IntVar(&historyPage, "page", 1, "page number")
	historyCmd.Flags().IntVar(&historyPageSize, "page-size", 20, "messages per page")
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(historyCmd)
}

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations, most recently active first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()
		pageSize := cfg.Default.PageSize
		if pageSize <= 0 {
			pageSize = 20
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		page, err := client.ListConversations(ctx, conversationsPage, pageSize, conversationsQuery)
		if err != nil {
			return err
		}

		if len(page.Conversations) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, c := range page.Conversations {
			name := c.DisplayName
			if name == "" && c.Counterpart != nil {
				name = c.Counterpart.Name
			}
			unread := ""
			if c.UnreadCount > 0 {
				unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
			}
			preview := c.LastMessagePreview
			if len(preview) > 60 {
				preview = preview[:57] + "..."
			}
			fmt.Printf("%-24s  %-20s%s\n    %s  %s\n",
				c.ID, name, unread,
				c.LastActivityAt.Local().Format("2006-01-02 15:04"),
				preview)
		}
		fmt.Printf("\n%d of %d conversations\n", len(page.Conversations), page.Total)
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Show a conversation's message history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		batch, err := client.MessageHistory(ctx, args[0], historyPage, historyPageSize)
		if err != nil {
			return err
		}

		// Delivered newest-first; print chronologically.
		for i := len(batch) - 1; i >= 0; i-- {
			m := batch[i]
			line := m.Content
			if len(m.MediaURLs) > 0 {
				line = strings.TrimSpace(line + " " + strings.Join(m.MediaURLs, " "))
			}
			fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Local().Format("15:04:05"), m.SenderID, line)
		}
		return nil
	},
}
