package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	loopline "github.com/loopline-im/loopline-go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var watchVerbose bool

func init() {
	watchCmd.Flags().BoolVarP(&watchVerbose, "verbose", "v", false, "log engine internals")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch <conversation-id>",
	Short: "Open a conversation and follow its realtime stream",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()
		conversationID := args[0]

		channel := loopline.NewRealtimeClient(client.BaseURL(), &loopline.ChannelConfig{
			Token:         cfg.Auth.Token,
			AutoReconnect: true,
		})

		opts := engineOptions(cfg)
		if watchVerbose {
			log, err := zap.NewDevelopment()
			if err != nil {
				return err
			}
			defer log.Sync()
			opts = append(opts, loopline.WithLogger(log))
		}
		opts = append(opts, loopline.WithErrorHandler(func(err error) {
			fmt.Fprintf(os.Stderr, "! %v\n", err)
		}))

		engine := loopline.NewEngine(client, channel, cfg.Auth.UserID, opts...)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := engine.Start(ctx); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		if err := engine.OpenConversation(ctx, conversationID); err != nil {
			return err
		}

		printMsg := func(m loopline.Message) {
			if m.ReplyToID != "" {
				if quoted, ok := engine.Message(conversationID, m.ReplyToID); ok {
					fmt.Printf("  > %s: %s\n", quoted.SenderID, quoted.Preview())
				}
			}
			printMessage(m)
		}

		for _, m := range engine.Messages(conversationID) {
			printMsg(m)
		}
		fmt.Println("--- watching (Ctrl-C to quit) ---")

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()

		seen := len(engine.Messages(conversationID))
		var lastTyping string
		for {
			select {
			case <-quit:
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				return engine.Close(shutdownCtx)
			case <-ticker.C:
				msgs := engine.Messages(conversationID)
				for _, m := range msgs[seen:] {
					printMsg(m)
				}
				seen = len(msgs)

				typing := strings.Join(engine.TypingIn(conversationID), ", ")
				if typing != lastTyping {
					if typing != "" {
						fmt.Printf("... %s typing\n", typing)
					}
					lastTyping = typing
				}
			}
		}
	},
}

func printMessage(m loopline.Message) {
	line := m.Content
	if len(m.MediaURLs) > 0 {
		line = strings.TrimSpace(line + " " + strings.Join(m.MediaURLs, " "))
	}
	marker := ""
	if m.Pending() {
		marker = " (sending)"
	}
	fmt.Printf("[%s] %s: %s%s\n", m.CreatedAt.Local().Format("15:04:05"), m.SenderID, line, marker)
}
