package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"duet/internal/actions"
	"duet/internal/config"
	"duet/internal/conversation"
	"duet/internal/coordinator"
	"duet/internal/events"
	"duet/internal/intent"
	"duet/internal/logging"
	"duet/internal/metrics"
	"duet/internal/notify"
	"duet/internal/storage/sqlite"
	"duet/internal/tasks"
	"duet/internal/tools"

	"github.com/charmbracelet/lipgloss"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	userStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#06B6D4")).Bold(true)
	agentStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981")).Bold(true)
	notifyStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#A78BFA")).Bold(true)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444"))
)

// transcript prints conversation lines from the input loop and the
// notifier concurrently.
type transcript struct {
	mu sync.Mutex
	w  io.Writer
}

func (t *transcript) line(style lipgloss.Style, who, text, note string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := style.Render(fmt.Sprintf("%-6s", who)) + " " + text
	if note != "" {
		out += " " + dimStyle.Render("["+note+"]")
	}
	fmt.Fprintln(t.w, out)
}

func newSimulateCmd() *cobra.Command {
	var (
		script  string
		thread  string
		settle  time.Duration
		latency time.Duration
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a scripted conversation through both loops",
		Long: `Reads one utterance per line from --script or stdin and prints the
transcript. Background results are printed as they arrive. Lines starting
with # are skipped; "/wait 2s" pauses the script.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			demoLatency = latency

			in := io.Reader(os.Stdin)
			if script != "" {
				f, err := os.Open(script)
				if err != nil {
					return fmt.Errorf("failed to open script: %w", err)
				}
				defer f.Close()
				in = f
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSimulation(ctx, cfg, in, thread, settle)
		},
	}
	cmd.Flags().StringVar(&script, "script", "", "file with one utterance per line (default stdin)")
	cmd.Flags().StringVar(&thread, "thread", "demo", "conversation thread id")
	cmd.Flags().DurationVar(&settle, "settle", 10*time.Second, "how long to wait for background work after the script ends")
	cmd.Flags().DurationVar(&latency, "latency", demoLatency, "simulated backend latency of the demo tools")
	return cmd
}

func runSimulation(ctx context.Context, cfg *config.Config, in io.Reader, thread string, settle time.Duration) error {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg, cfg.Metrics.Namespace)
	if cfg.Metrics.Listen != "" {
		srv := &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logging.Error("metrics server failed", "addr", cfg.Metrics.Listen, "error", err)
			}
		}()
		defer srv.Close()
	}

	classifier, err := newClassifier(cfg.Classifier.PatternsFile, cfg.Classifier.PatternsGlob)
	if err != nil {
		return err
	}
	if cfg.Classifier.Watch {
		w, err := newPatternWatcher(classifier, cfg.Classifier)
		if err != nil {
			return err
		}
		if w != nil {
			defer w.Stop()
		}
	}

	bus := events.NewBus(events.WithMetrics(m))
	storeOpts := []actions.Option{
		actions.WithMetrics(m),
		actions.WithLimits(cfg.Actions.MaxActions, cfg.Actions.Retention),
	}
	var db *sqlite.Store
	if cfg.Actions.Database != "" {
		db, err = sqlite.Open(cfg.Actions.Database)
		if err != nil {
			return err
		}
		defer db.Close()
		storeOpts = append(storeOpts, actions.WithPersister(db))
	}
	store := actions.NewStore(bus, storeOpts...)

	out := &transcript{w: os.Stdout}
	if db != nil {
		n, err := store.LoadThread(ctx, thread)
		if err != nil {
			return err
		}
		if n > 0 {
			out.line(dimStyle, "", fmt.Sprintf("restored %d actions for thread %s", n, thread), "")
		}
	}

	var pub *notify.Publisher
	if cfg.Notify.URL != "" {
		nc, err := notify.Connect(cfg.Notify.URL)
		if err != nil {
			return err
		}
		defer nc.Close()
		pub = notify.New(nc, notify.WithPrefix(cfg.Notify.SubjectPrefix), notify.WithMetrics(m))
		pub.Attach(bus)
		defer pub.Detach()
	}

	notifier := coordinator.NotifierFunc(func(ctx context.Context, n coordinator.Notification) error {
		style := notifyStyle
		if n.Kind == coordinator.KindQuestion {
			style = agentStyle
		}
		out.line(style, "agent", n.Text, n.Kind+" "+n.ActionID)
		if pub == nil {
			return nil
		}
		return pub.Publish(ctx, "notification."+n.Kind, n)
	})

	c := coordinator.New(
		coordinator.WithClassifier(classifier),
		coordinator.WithStore(store),
		coordinator.WithRegistry(demoRegistry(
			tools.WithMetrics(m),
			tools.WithDefaultTimeout(cfg.Tools.Timeout),
			tools.WithCircuitBreakers(cfg.Tools.BreakerThreshold, cfg.Tools.BreakerReset),
		)),
		coordinator.WithQueue(tasks.NewQueue(tasks.WithMetrics(m))),
		coordinator.WithConversations(conversation.NewManager(
			conversation.WithActions(store),
			conversation.WithHistory(cfg.Conversation.HistoryTurns),
			conversation.WithToolCache(cfg.Conversation.CacheSize, cfg.Conversation.CacheTTL),
		)),
		coordinator.WithNotifier(notifier),
		coordinator.WithMetrics(m),
		coordinator.WithSettings(coordinator.Settings{
			ClassifyTimeout: cfg.Classifier.Timeout,
			SyncTimeout:     cfg.Tools.SyncTimeout,
			TaskTimeout:     cfg.Tasks.DefaultTimeout,
			Workers:         cfg.Tasks.Workers,
			PollInterval:    cfg.Tasks.PollInterval,
			CleanupInterval: cfg.Tasks.CleanupInterval,
			CleanupAge:      cfg.Tasks.CleanupAge,
			ThreadIdle:      cfg.Conversation.IdleTimeout,
		}),
	)
	if err := c.Start(ctx); err != nil {
		return err
	}
	defer c.Close()

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if rest, ok := strings.CutPrefix(line, "/wait"); ok {
			d, err := time.ParseDuration(strings.TrimSpace(rest))
			if err != nil {
				d = time.Second
			}
			sleep(ctx, d)
			continue
		}

		out.line(userStyle, "user", line, "")
		reply, err := c.HandleUtterance(ctx, thread, line)
		if errors.Is(err, context.Canceled) {
			break
		}
		if err != nil {
			return err
		}
		out.line(agentStyle, "agent", reply.Text, replyNote(reply))
		if reply.Error != "" {
			out.line(errStyle, "", reply.Error, "")
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read script: %w", err)
	}

	waitForIdle(ctx, c, settle)
	s := c.Stats()
	out.line(dimStyle, "", fmt.Sprintf("actions=%d open=%d tasks done=%d failed=%d cancelled=%d",
		s.Actions, s.OpenActions, s.Tasks.ByStatus[tasks.StatusDone],
		s.Tasks.ByStatus[tasks.StatusFailed], s.Tasks.ByStatus[tasks.StatusCancelled]), "")
	return nil
}

func replyNote(r coordinator.Reply) string {
	var parts []string
	parts = append(parts, string(r.Intent), r.Mode.String())
	switch {
	case r.Resumed:
		parts = append(parts, "resumed")
	case r.Superseded != "":
		parts = append(parts, "supersedes "+r.Superseded)
	}
	return strings.Join(parts, " ")
}

func newPatternWatcher(c *intent.Classifier, cfg config.ClassifierConfig) (*intent.Watcher, error) {
	var (
		w   *intent.Watcher
		err error
	)
	switch {
	case cfg.PatternsGlob != "":
		w, err = intent.NewGlobWatcher(c, cfg.PatternsGlob, cfg.Debounce)
	case cfg.PatternsFile != "":
		w, err = intent.NewFileWatcher(c, cfg.PatternsFile, cfg.Debounce)
	default:
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to watch patterns: %w", err)
	}
	w.OnReload(func(t *intent.Table, err error) {
		if err != nil {
			logging.Warn("pattern reload failed", "error", err)
			return
		}
		logging.Info("patterns reloaded", "rules", t.Len())
	})
	if err := w.Start(); err != nil {
		return nil, err
	}
	return w, nil
}

// waitForIdle returns once no async action is open, ctx ends, or d passes.
func waitForIdle(ctx context.Context, c *coordinator.Coordinator, d time.Duration) {
	deadline := time.NewTimer(d)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for c.Stats().OpenActions > 0 {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-tick.C:
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
