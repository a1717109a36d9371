package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"chatty/internal/client"
	"chatty/internal/domain"
	"chatty/internal/voice"
)

func chatCmd() *cobra.Command {
	var speak bool
	var conversationID string
	var imagePath string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session against a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(speak, conversationID, imagePath)
		},
	}
	cmd.Flags().BoolVar(&speak, "speak", false, "read replies aloud (requires voice config)")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "continue an existing conversation")
	cmd.Flags().StringVar(&imagePath, "image", "", "attach an image to the first message")
	return cmd
}

func runChat(speak bool, conversationID, imagePath string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)

	var speech *voice.Coordinator
	if speak {
		speaker := voice.NewHTTPSpeaker(cfg.Voice, logger)
		if !speaker.Available() {
			return fmt.Errorf("voice output is not available: check voice config and player command")
		}
		speech = voice.NewCoordinator(speaker, cfg.Voice.MaxSegmentRunes, logger)
		defer speech.Cancel()
	}

	done := make(chan struct{}, 1)
	coord := client.NewCoordinator(client.Options{
		BaseURL:  cfg.Client.BaseURL,
		Timeout:  time.Duration(cfg.Client.TimeoutS) * time.Second,
		Username: cfg.Server.Auth.Username,
		Password: os.Getenv("CHATTY_PASSWORD"),
	}, client.Callbacks{
		OnChunk: func(content, _ string) {
			fmt.Print(content)
		},
		OnComplete: func(msg domain.Message) {
			fmt.Println()
			if speech != nil {
				speech.Speak(msg.Content)
			}
			done <- struct{}{}
		},
		OnError: func(err error) {
			fmt.Fprintf(os.Stderr, "\nerror: %v\n", err)
			done <- struct{}{}
		},
	}, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = coord.Connect(ctx)
	cancel()
	if err != nil {
		return err
	}
	if conversationID != "" {
		coord.UseConversation(conversationID)
	}

	var pendingImage string
	if imagePath != "" {
		data, err := os.ReadFile(imagePath)
		if err != nil {
			return fmt.Errorf("read image: %w", err)
		}
		pendingImage, err = client.PrepareImage(data, cfg.Client.Attachment)
		if err != nil {
			return err
		}
	}

	fmt.Println("Connected. Type a message, /new for a fresh conversation, /quit to exit.")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit" || line == "/exit":
			return nil
		case line == "/new":
			coord.UseConversation("")
			fmt.Println("Started a new conversation.")
			continue
		}

		var sendErr error
		if pendingImage != "" {
			sendErr = coord.SendMessageWithImage(line, pendingImage)
			pendingImage = ""
		} else {
			sendErr = coord.SendMessage(line)
		}
		if sendErr != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", sendErr)
			continue
		}
		<-done
	}
	return scanner.Err()
}
