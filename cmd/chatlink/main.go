// Command chatlink is a terminal chat client: it creates a backend session,
// keeps one supervised connection alive and streams assistant responses to
// stdout. Configuration comes from the environment (a .env file is honored).
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/haloline/chatlink/pkg/session"
	"github.com/haloline/chatlink/pkg/wire"
)

func main() {
	_ = godotenv.Load()

	url := os.Getenv("CHATLINK_URL")
	tenant := os.Getenv("CHATLINK_TENANT")
	endpoint := os.Getenv("CHATLINK_SESSION_ENDPOINT")
	if url == "" || tenant == "" || endpoint == "" {
		fmt.Fprintln(os.Stderr, "CHATLINK_URL, CHATLINK_TENANT and CHATLINK_SESSION_ENDPOINT are required")
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(getEnv("CHATLINK_LOG_LEVEL", "warn")),
	}))

	ctrl, err := session.NewController(session.Config{
		URL:             url,
		TenantID:        tenant,
		ChatID:          getEnv("CHATLINK_CHAT", "default"),
		Credential:      os.Getenv("CHATLINK_TOKEN"),
		SessionEndpoint: endpoint,
		Logger:          logger,
	}, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration rejected: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := ctrl.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "session start failed: %v\n", err)
		os.Exit(1)
	}
	defer ctrl.Close()

	go printEvents(ctrl)
	go func() {
		for st := range ctrl.StatusChanges() {
			fmt.Fprintf(os.Stderr, "[%s]\n", st)
		}
	}()

	fmt.Fprintf(os.Stderr, "session %s — type a message, ctrl-d to quit\n", ctrl.Session().SessionID)

	in := bufio.NewScanner(os.Stdin)
	for in.Scan() {
		text := strings.TrimSpace(in.Text())
		if text == "" {
			continue
		}
		if _, err := ctrl.SendText(text); err != nil {
			fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// printEvents renders the streamed response: chunks inline, a newline on
// completion, protocol errors to stderr.
func printEvents(ctrl *session.Controller) {
	for env := range ctrl.Events() {
		switch env.Type {
		case wire.TypeResponseChunk:
			if s, _ := env.Data["content"].(string); s != "" {
				fmt.Print(s)
			}
		case wire.TypeResponseComplete:
			fmt.Println()
		case wire.TypeError:
			fmt.Fprintf(os.Stderr, "backend error: %v\n", env.Data["content"])
		}
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}
