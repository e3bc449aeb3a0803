// Command pipewise runs one workflow from the command line: it reads an
// incoming event as JSON from stdin or flags, drives it through the agent
// runtime, and prints the WorkflowResult as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/pipewise/pipewise"
	"github.com/pipewise/pipewise/internal/app"
	"github.com/pipewise/pipewise/internal/config"
)

func main() {
	var (
		configPath = flag.String("config", os.Getenv("PIPEWISE_CONFIG"), "path to pipewise.toml")
		channel    = flag.String("channel", "chat", "event channel: email, dm-twitter, dm-instagram, web-form, chat")
		sender     = flag.String("sender", "cli", "sender identifier")
		text       = flag.String("text", "", "message text; empty reads a JSON IncomingEvent from stdin")
		tenantID   = flag.String("tenant", "local", "tenant id")
		verbose    = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.Load(*configPath)
	runtime, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "err", err)
		os.Exit(1)
	}
	defer func() {
		if err := runtime.Close(context.Background()); err != nil {
			logger.Warn("shutdown", "err", err)
		}
	}()

	event, err := readEvent(*channel, *sender, *text)
	if err != nil {
		logger.Error("bad event", "err", err)
		os.Exit(1)
	}
	tenant := pipewise.TenantContext{TenantID: *tenantID, UserID: *sender}

	result := runtime.Orchestrator.Run(ctx, event, tenant)

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		logger.Error("encode result", "err", err)
		os.Exit(1)
	}
	fmt.Println(string(out))

	if result.Status != pipewise.StatusCompleted {
		os.Exit(2)
	}
}

// readEvent builds the event from flags, or decodes a full IncomingEvent
// from stdin when no -text was given.
func readEvent(channel, sender, text string) (pipewise.IncomingEvent, error) {
	if text != "" {
		return pipewise.IncomingEvent{
			Channel: pipewise.Channel(channel),
			Sender:  sender,
			Text:    text,
		}, nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return pipewise.IncomingEvent{}, fmt.Errorf("read stdin: %w", err)
	}
	var event pipewise.IncomingEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return pipewise.IncomingEvent{}, fmt.Errorf("decode event: %w", err)
	}
	if event.Channel == "" {
		event.Channel = pipewise.Channel(channel)
	}
	if event.Sender == "" {
		event.Sender = sender
	}
	return event, nil
}
