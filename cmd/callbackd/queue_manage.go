package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/mattjoyce/callbackd/internal/log"
	"github.com/mattjoyce/callbackd/internal/queue"
)

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func runQueueNoun(args []string) int {
	if len(args) < 1 {
		printQueueNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printQueueNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "stats":
		if hasHelpFlag(actionArgs) {
			printQueueStatsHelp()
			return 0
		}
		return runQueueStats(actionArgs)
	case "enqueue":
		if hasHelpFlag(actionArgs) {
			printQueueEnqueueHelp()
			return 0
		}
		return runQueueEnqueue(actionArgs)
	case "show":
		if hasHelpFlag(actionArgs) {
			printQueueShowHelp()
			return 0
		}
		return runQueueShow(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown queue action: %s\n", action)
		return 1
	}
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: callbackd config <action> [flags]")
	fmt.Fprintln(w, "Actions: check")
}

func printQueueNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: callbackd queue <action> [flags]")
	fmt.Fprintln(w, "Actions: stats, enqueue, show")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: callbackd config check [--config PATH] [--json]")
	fmt.Println("Load configuration, apply environment overrides and validate it.")
	fmt.Println("")
	fmt.Println("Exit codes:")
	fmt.Println("  0  Configuration is valid")
	fmt.Println("  1  Configuration failed to load or validate")
}

func printQueueStatsHelp() {
	fmt.Println("Usage: callbackd queue stats [--config PATH] [--json]")
	fmt.Println("Show event counts by status.")
}

func printQueueEnqueueHelp() {
	fmt.Println("Usage: callbackd queue enqueue --url URL [--token TOKEN] [--at RFC3339 | --in DURATION] [--config PATH]")
	fmt.Println("Schedule a pending callback. Without --at or --in it is due immediately.")
}

func printQueueShowHelp() {
	fmt.Println("Usage: callbackd queue show <id> [--config PATH] [--json]")
	fmt.Println("Show one event and its delivery attempts. Tokens are shown as fingerprints.")
}

type configSummary struct {
	Config          string `json:"config"`
	Store           string `json:"store"`
	Workers         int    `json:"workers"`
	BatchSize       int    `json:"batch_size"`
	TickInterval    string `json:"tick_interval"`
	CallbackTimeout string `json:"callback_timeout"`
	MaxRetries      int    `json:"max_retries"`
	Reaper          bool   `json:"reaper"`
	Ops             string `json:"ops,omitempty"`
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, resolved, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration check FAILED: %v\n", err)
		return 1
	}
	if resolved == "" {
		resolved = "(defaults)"
	}

	summary := configSummary{
		Config:          resolved,
		Store:           cfg.Store.Driver,
		Workers:         cfg.Workers.Count,
		BatchSize:       cfg.WorkerDefaults.BatchSize,
		TickInterval:    cfg.WorkerDefaults.TickInterval.String(),
		CallbackTimeout: cfg.WorkerDefaults.CallbackTimeout.String(),
		MaxRetries:      cfg.WorkerDefaults.MaxRetries,
		Reaper:          cfg.Reaper.Enabled,
	}
	if cfg.Ops.Enabled {
		summary.Ops = cfg.Ops.Listen
	}

	if *jsonOut {
		return printJSON(summary)
	}

	fmt.Printf("Config:   %s\n", summary.Config)
	fmt.Printf("Store:    %s\n", summary.Store)
	fmt.Printf("Workers:  %d\n", summary.Workers)
	fmt.Printf("Defaults: batch_size=%d tick_interval=%s callback_timeout=%s max_retries=%d\n",
		summary.BatchSize, summary.TickInterval, summary.CallbackTimeout, summary.MaxRetries)
	fmt.Printf("Reaper:   %t\n", summary.Reaper)
	if summary.Ops != "" {
		fmt.Printf("Ops:      %s\n", summary.Ops)
	}
	fmt.Println("Status: Configuration check PASSED.")
	return 0
}

// openStoreForTool loads config and opens the store it names.
func openStoreForTool(ctx context.Context, configPath string) (queue.Store, error) {
	cfg, _, err := loadConfigForTool(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return queue.Open(ctx, cfg.Store)
}

type statsView struct {
	Pending   int `json:"pending"`
	Handling  int `json:"handling"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

func runQueueStats(args []string) int {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	ctx := context.Background()
	store, err := openStoreForTool(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open store: %v\n", err)
		return 1
	}
	defer store.Close()

	counts, err := store.Stats(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read stats: %v\n", err)
		return 1
	}

	view := statsView{
		Pending:   counts[queue.StatusPending],
		Handling:  counts[queue.StatusHandling],
		Delivered: counts[queue.StatusDelivered],
		Failed:    counts[queue.StatusFailed],
	}
	if *jsonOut {
		return printJSON(view)
	}

	fmt.Printf("pending:   %d\n", view.Pending)
	fmt.Printf("handling:  %d\n", view.Handling)
	fmt.Printf("delivered: %d\n", view.Delivered)
	fmt.Printf("failed:    %d\n", view.Failed)
	return 0
}

func runQueueEnqueue(args []string) int {
	fs := flag.NewFlagSet("enqueue", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	webhookURL := fs.String("url", "", "Callback URL")
	token := fs.String("token", "", "Token sent in the callback body")
	at := fs.String("at", "", "Execute at (RFC3339)")
	in := fs.Duration("in", 0, "Execute after this delay")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if *webhookURL == "" {
		fmt.Fprintln(os.Stderr, "Usage: callbackd queue enqueue --url URL [--token TOKEN] [--at RFC3339 | --in DURATION]")
		return 1
	}
	if *at != "" && *in != 0 {
		fmt.Fprintln(os.Stderr, "Error: --at and --in are mutually exclusive")
		return 1
	}

	executeAt := time.Now()
	if *at != "" {
		t, err := time.Parse(time.RFC3339, *at)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid --at: %v\n", err)
			return 1
		}
		executeAt = t
	} else if *in != 0 {
		executeAt = executeAt.Add(*in)
	}

	ctx := context.Background()
	store, err := openStoreForTool(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open store: %v\n", err)
		return 1
	}
	defer store.Close()

	id, err := store.Enqueue(ctx, queue.EnqueueRequest{
		WebhookURL:  *webhookURL,
		WebhookAuth: *token,
		ExecuteAt:   executeAt,
	})
	if err != nil {
		if errors.Is(err, queue.ErrInvalidEvent) {
			fmt.Fprintf(os.Stderr, "Rejected: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "Failed to enqueue: %v\n", err)
		}
		return 1
	}

	fmt.Printf("Enqueued event %d (execute_at %s)\n", id, executeAt.UTC().Format(time.RFC3339))
	return 0
}

type eventView struct {
	ID         int64         `json:"id"`
	WebhookURL string        `json:"webhook_url"`
	TokenFP    string        `json:"token_fp,omitempty"`
	ExecuteAt  time.Time     `json:"execute_at"`
	Status     queue.Status  `json:"status"`
	Retries    int           `json:"retries"`
	ClaimedBy  *string       `json:"claimed_by,omitempty"`
	ClaimedAt  *time.Time    `json:"claimed_at,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
	Attempts   []attemptView `json:"attempts"`
}

type attemptView struct {
	ProcessID  string        `json:"process_id"`
	Outcome    queue.Outcome `json:"outcome"`
	StatusCode *int          `json:"status_code,omitempty"`
	Error      *string       `json:"error,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

func runQueueShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")

	// Accept the id before or after flags.
	var idArg string
	var rest []string
	for _, a := range args {
		if idArg == "" && a != "" && a[0] != '-' {
			if _, err := strconv.ParseInt(a, 10, 64); err == nil {
				idArg = a
				continue
			}
		}
		rest = append(rest, a)
	}
	if err := fs.Parse(rest); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if idArg == "" && fs.NArg() > 0 {
		idArg = fs.Arg(0)
	}
	id, err := strconv.ParseInt(idArg, 10, 64)
	if err != nil || id <= 0 {
		fmt.Fprintln(os.Stderr, "Usage: callbackd queue show <id> [--json]")
		return 1
	}

	ctx := context.Background()
	store, err := openStoreForTool(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open store: %v\n", err)
		return 1
	}
	defer store.Close()

	ev, err := store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, queue.ErrEventNotFound) {
			fmt.Fprintf(os.Stderr, "Event %d not found\n", id)
		} else {
			fmt.Fprintf(os.Stderr, "Failed to load event: %v\n", err)
		}
		return 1
	}
	logs, err := store.Logs(ctx, id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load attempts: %v\n", err)
		return 1
	}

	view := newEventView(ev, logs)
	if *jsonOut {
		return printJSON(view)
	}

	fmt.Printf("Event %d\n", view.ID)
	fmt.Printf("  url:        %s\n", view.WebhookURL)
	if view.TokenFP != "" {
		fmt.Printf("  token_fp:   %s\n", view.TokenFP)
	}
	fmt.Printf("  status:     %s\n", view.Status)
	fmt.Printf("  retries:    %d\n", view.Retries)
	fmt.Printf("  execute_at: %s\n", view.ExecuteAt.UTC().Format(time.RFC3339))
	if view.ClaimedBy != nil {
		fmt.Printf("  claimed_by: %s\n", *view.ClaimedBy)
	}
	fmt.Printf("Attempts (%d):\n", len(view.Attempts))
	for _, a := range view.Attempts {
		line := fmt.Sprintf("  %s  %-9s  %s", a.CreatedAt.UTC().Format(time.RFC3339), a.Outcome, a.ProcessID)
		if a.StatusCode != nil {
			line += fmt.Sprintf("  status=%d", *a.StatusCode)
		}
		if a.Error != nil {
			line += fmt.Sprintf("  error=%q", *a.Error)
		}
		fmt.Println(line)
	}
	return 0
}

func newEventView(ev *queue.Event, logs []queue.LogEntry) eventView {
	view := eventView{
		ID:         ev.ID,
		WebhookURL: ev.WebhookURL,
		TokenFP:    log.TokenFingerprint(ev.WebhookAuth),
		ExecuteAt:  ev.ExecuteAt,
		Status:     ev.Status,
		Retries:    ev.Retries,
		ClaimedBy:  ev.ClaimedBy,
		ClaimedAt:  ev.ClaimedAt,
		CreatedAt:  ev.CreatedAt,
		UpdatedAt:  ev.UpdatedAt,
		Attempts:   make([]attemptView, 0, len(logs)),
	}
	for _, l := range logs {
		view.Attempts = append(view.Attempts, attemptView{
			ProcessID:  l.ProcessID,
			Outcome:    l.Outcome,
			StatusCode: l.StatusCode,
			Error:      l.Error,
			CreatedAt:  l.CreatedAt,
		})
	}
	return view
}
