package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/user/chatpilot/internal/config"
	"github.com/user/chatpilot/internal/engine"
	"github.com/user/chatpilot/internal/fallback"
	"github.com/user/chatpilot/internal/logstream"
	"github.com/user/chatpilot/internal/metrics"
	"github.com/user/chatpilot/internal/platform"
	"github.com/user/chatpilot/internal/scheduler"
	"github.com/user/chatpilot/internal/status"
	"github.com/user/chatpilot/internal/telegram"
	"github.com/user/chatpilot/internal/types"
)

const pidFile = "chatpilot.pid"

func init() {
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:     "run",
	Aliases: []string{"start-bot"},
	Short:   "Start the bot daemon",
	Args:    cobra.NoArgs,
	RunE:    runBot,
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, pidFile)
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

func runBot(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()

	hub := logstream.NewHub()
	hub.OnError = func(name string, err error) {
		fmt.Fprintf(os.Stderr, "log sink %s: %v\n", name, err)
	}
	defer hub.Close()
	setupLogStream(cfg, hub)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	journal := logstream.OpenJournal(cfg.DataDir)
	hub.RegisterAsync("journal", slog.LevelInfo, journal, 1024)

	if cfg.AMQP.URL != "" {
		sink, err := logstream.DialAMQP(cfg.AMQP.URL, cfg.AMQP.Exchange)
		if err != nil {
			slog.Warn("activity broker unavailable", "error", err)
		} else {
			hub.RegisterAsync("amqp", slog.LevelInfo, sink, 1024)
			defer func() {
				hub.Unregister("amqp")
				sink.Close()
			}()
		}
	}

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bot, err := assemble(ctx, cfg)
	if err != nil {
		return err
	}
	defer bot.close()

	g, gctx := errgroup.WithContext(ctx)
	if err := bot.Start(gctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	g.Go(func() error {
		<-gctx.Done()
		bot.engine.Stop()
		return nil
	})

	var notify func(string)
	if cfg.Telegram.Token != "" {
		console, err := telegram.New(cfg.Telegram.Token, bot, cfg.Telegram.OperatorChatID, cfg.Activation.Keys)
		if err != nil {
			cancel()
			g.Wait()
			return fmt.Errorf("create telegram console: %w", err)
		}
		hub.RegisterAsync("telegram", slog.LevelWarn, console, 64)
		notify = func(s string) {
			if err := console.Notify(s); err != nil {
				slog.Warn("stats delivery failed", "error", err)
			}
		}
		g.Go(func() error {
			console.Start(gctx)
			return nil
		})
		slog.Info("telegram console started")
	} else {
		slog.Warn("telegram console disabled (no token)")
	}

	if cfg.HTTP.Enabled {
		srv := status.NewServer(bot, journal, bot.metrics.Handler())
		g.Go(func() error {
			if err := status.Serve(gctx, cfg.HTTP.Listen, srv); err != nil {
				return fmt.Errorf("status server: %w", err)
			}
			return nil
		})
	}

	sched := scheduler.New(
		scheduler.StatsReport(cfg.Schedule.StatsReport, bot.engine.Stats, notify),
		scheduler.TokenWatch(cfg.Schedule.TokenWatch, bot.session, bot.client.NeedsRefresh, nil, bot.refresh),
	)
	sched.Start(gctx)
	defer sched.Stop()

	slog.Info("chatpilot started",
		"data_dir", cfg.DataDir,
		"pid_file", pidPath,
		"api_session", bot.session.AccessToken() != "",
		"dedup", cfg.Dedup.Backend,
		"llm_model", cfg.LLM.Model,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for {
		select {
		case <-gctx.Done():
			// A supervised component failed.
			return g.Wait()
		case sig := <-sigChan:
			slog.Info("shutting down", "signal", sig)
			cancel()
			err := g.Wait()
			if sig != syscall.SIGHUP {
				return err
			}
			sched.Stop()
			bot.close()
			hub.Close()
			os.Remove(pidPath)
			return reexec()
		}
	}
}

// reexec replaces the process with a fresh copy of itself.
func reexec() error {
	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("get executable path: %w", err)
	}
	if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
		return fmt.Errorf("re-exec: %w", err)
	}
	return nil
}

// daemon holds the long-lived pieces of a running bot. It is the
// Controller behind the Telegram console and the status server.
type daemon struct {
	engine   *engine.Engine
	metrics  *metrics.Metrics
	ctl      *fallback.Controller
	client   *platform.Client
	api      *platform.APISource
	session  *types.Session
	login    func(ctx context.Context) (*types.Session, error)
	closeFns []func() error
}

// Start rewinds the API watermark, so a run never answers messages that
// arrived while the bot was stopped, then starts the engine.
func (d *daemon) Start(ctx context.Context) error {
	if !d.engine.Stats().Running {
		d.api.Rewind()
	}
	return d.engine.Start(ctx)
}

func (d *daemon) Stop() { d.engine.Stop() }

func (d *daemon) Stats() types.Stats { return d.engine.Stats() }

func (d *daemon) Inject(ctx context.Context, m types.IncomingMessage) (types.MessageID, error) {
	return d.engine.Inject(ctx, m)
}

func (d *daemon) refresh(ctx context.Context) error {
	return d.client.Refresh(ctx, d.session)
}

// Relogin logs in to the token API again with the stored secrets and puts
// reads and sends back on it.
func (d *daemon) Relogin(ctx context.Context) error {
	fresh, err := d.login(ctx)
	if err != nil {
		return err
	}
	if fresh == nil {
		return errors.New("no token or email and password configured")
	}
	d.session.Rotate(fresh.AccessToken(), fresh.RefreshToken(), fresh.ExpiresAt())
	d.ctl.Reset(d.api)
	return nil
}

func (d *daemon) close() {
	for i := len(d.closeFns) - 1; i >= 0; i-- {
		d.closeFns[i]()
	}
	d.closeFns = nil
}

func assemble(ctx context.Context, cfg *config.Config) (*daemon, error) {
	d := &daemon{metrics: metrics.New(), client: newPlatformClient(cfg)}
	d.login = func(ctx context.Context) (*types.Session, error) {
		return openSession(ctx, d.client, loadSecrets(cfg))
	}

	secrets := loadSecrets(cfg)
	sess, err := openSession(ctx, d.client, secrets)
	if err != nil {
		slog.Warn("token api unavailable, using the browser", "error", err,
			"remediation", platform.Remediation(platform.KindOf(err)))
	}

	// The API source always exists so a later relogin can switch to it.
	var primary types.ConversationSource
	if sess != nil {
		d.session = sess
	} else {
		d.session = types.NewSession("", "", time.Time{})
	}
	d.api = platform.NewAPISource(d.client, d.session)
	if sess != nil {
		primary = d.api
	}
	history := d.api.HistorySource(cfg.History.PageSize, cfg.History.MaxPages)

	synth := newSynthesizer(cfg)

	var eng *engine.Engine
	factory, err := browserFactory(cfg, secrets, synth, func() string { return eng.Style() })
	if err != nil {
		return nil, fmt.Errorf("configure browser: %w", err)
	}
	if primary == nil && factory == nil {
		return nil, fmt.Errorf("no transport available: log in with a token or configure email and password")
	}

	d.ctl = fallback.New(primary, factory)
	d.ctl.OnTransition = func(class fallback.Class, cause error) {
		d.metrics.FallbackTransition(string(class))
	}
	d.closeFns = append(d.closeFns, d.ctl.Close)

	account := secrets.Email
	if d.session.Username != "" {
		account = d.session.Username
	}
	processed, err := openDedup(cfg, account)
	if err != nil {
		d.close()
		return nil, fmt.Errorf("open dedup store: %w", err)
	}
	d.closeFns = append(d.closeFns, processed.Close)

	eng = engine.New(engine.Deps{
		Source:    d.ctl,
		Synth:     synth,
		Processed: processed,
		History:   history,
		Styler:    newStyleExtractor(cfg),
		Observer:  d.metrics,
	}, engineConfig(cfg))
	d.engine = eng
	return d, nil
}
