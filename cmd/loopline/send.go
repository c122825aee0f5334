package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	loopline "github.com/loopline-im/loopline-go"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	sendFiles   []string
	sendReplyTo string
)

func init() {
	sendCmd.Flags().StringSliceVar(&sendFiles, "file", nil, "attach a local file (repeatable)")
	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "message id to reply to")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> [text]",
	Short: "Send a message, uploading any attached files first",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		content := ""
		if len(args) > 1 {
			content = args[1]
		}
		if strings.TrimSpace(content) == "" && len(sendFiles) == 0 {
			return fmt.Errorf("nothing to send: provide text or --file")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		var mediaURLs []string
		for _, path := range sendFiles {
			url, err := client.Uploads().UploadFile(ctx, path)
			if err != nil {
				return fmt.Errorf("upload %s: %w", path, err)
			}
			mediaURLs = append(mediaURLs, url)
		}

		err := client.SendMessage(ctx, args[0], loopline.SendOptions{
			Content:   content,
			MediaURLs: mediaURLs,
			ReplyToID: sendReplyTo,
			ClientID:  uuid.NewString(),
		})
		if err != nil {
			return err
		}
		fmt.Println("Sent.")
		return nil
	},
}
