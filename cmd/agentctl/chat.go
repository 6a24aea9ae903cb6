package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/spf13/cobra"
)

// chatMessage mirrors the hub's wire shape just closely enough for this
// debug client to render it; it deliberately doesn't import the hub or
// block packages so the CLI binary stays decoupled from server internals.
type chatMessage struct {
	Type           string          `json:"type"`
	Token          string          `json:"token,omitempty"`
	ConversationID string          `json:"conversationId,omitempty"`
	Text           string          `json:"text,omitempty"`
	Block          json.RawMessage `json:"block,omitempty"`
	Error          string          `json:"error,omitempty"`
}

func chatCmd() *cobra.Command {
	var (
		serverURL string
		token     string
		convID    string
		tool      string
		prompt    string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Attach to a conversation over WebSocket and exchange one message",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), serverURL, token, convID, tool, prompt)
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8787", "base URL of a running server")
	cmd.Flags().StringVar(&token, "token", "", "bearer token (see 'agentctl token issue')")
	cmd.Flags().StringVar(&convID, "conversation", "", "existing conversation id to attach to (creates a new one if omitted)")
	cmd.Flags().StringVar(&tool, "tool", "claude", "tool to use when creating a new conversation")
	cmd.Flags().StringVar(&prompt, "message", "", "message to send once attached")
	return cmd
}

func runChat(ctx context.Context, serverURL, token, convID, tool, prompt string) error {
	if token == "" {
		return fmt.Errorf("--token is required")
	}

	httpClient := &http.Client{}
	if convID == "" {
		id, err := createConversation(ctx, httpClient, serverURL, token, tool)
		if err != nil {
			return fmt.Errorf("create conversation: %w", err)
		}
		convID = id
		fmt.Fprintf(os.Stderr, "created conversation %s\n", convID)
	}

	wsURL := strings.Replace(serverURL, "http://", "ws://", 1)
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1) + "/ws"

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := wsjson.Write(ctx, conn, chatMessage{Type: "auth", Token: token}); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}
	var authResp chatMessage
	if err := wsjson.Read(ctx, conn, &authResp); err != nil {
		return fmt.Errorf("read auth response: %w", err)
	}
	if authResp.Type != "auth" {
		return fmt.Errorf("server rejected token: %s", authResp.Error)
	}

	if err := wsjson.Write(ctx, conn, chatMessage{Type: "chatAttach", ConversationID: convID}); err != nil {
		return fmt.Errorf("attach: %w", err)
	}

	if prompt != "" {
		go func() {
			time.Sleep(200 * time.Millisecond)
			_ = wsjson.Write(ctx, conn, chatMessage{Type: "chatMessage", ConversationID: convID, Text: prompt})
		}()
	}

	fmt.Fprintln(os.Stderr, "attached; streaming events, ctrl-C to exit")
	for {
		var msg chatMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return nil
		}
		line, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		fmt.Println(string(line))
	}
}

func createConversation(ctx context.Context, client *http.Client, serverURL, token, tool string) (string, error) {
	body := strings.NewReader(fmt.Sprintf(`{"tool":%q,"mode":"agent","permissionMode":"default"}`, tool))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL+"/api/conversations", body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		scanner := bufio.NewScanner(resp.Body)
		scanner.Scan()
		return "", fmt.Errorf("HTTP %d: %s", resp.StatusCode, scanner.Text())
	}

	var conv struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&conv); err != nil {
		return "", err
	}
	return conv.ID, nil
}
