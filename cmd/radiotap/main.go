package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/christian-lee/radiotap/internal/config"
	"github.com/christian-lee/radiotap/internal/download"
	"github.com/christian-lee/radiotap/internal/fingerprint"
	"github.com/christian-lee/radiotap/internal/history"
	"github.com/christian-lee/radiotap/internal/logging"
	"github.com/christian-lee/radiotap/internal/matcher"
	"github.com/christian-lee/radiotap/internal/metrics"
	"github.com/christian-lee/radiotap/internal/session"
	"github.com/christian-lee/radiotap/internal/web"
)

const defaultConfigPath = "config.yaml"

func main() {
	slog.SetDefault(logging.New("info", "text"))

	if len(os.Args) < 2 {
		fmt.Println("Usage:")
		fmt.Println("  radiotap run [config]           Serve the control panel and fingerprint the configured stream")
		fmt.Println("  radiotap match <file> [config]  Run the matcher once against an audio file")
		os.Exit(1)
	}

	if err := config.LoadDotEnv(); err != nil {
		slog.Warn("load .env failed", "err", err)
	}

	switch os.Args[1] {
	case "run":
		if err := run(configPath(2)); err != nil {
			slog.Error("run failed", "err", err)
			os.Exit(1)
		}
	case "match":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: radiotap match <file> [config]")
			os.Exit(1)
		}
		if err := matchOnce(os.Args[2], configPath(3)); err != nil {
			slog.Error("match failed", "err", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}
}

// configPath returns os.Args[i] when given, else config.yaml if it exists,
// else "" for defaults plus environment.
func configPath(i int) string {
	if len(os.Args) > i {
		return os.Args[i]
	}
	if _, err := os.Stat(defaultConfigPath); err == nil {
		return defaultConfigPath
	}
	return ""
}

func newMatcher(ctx context.Context, cfg *config.Config) (fingerprint.Matcher, error) {
	switch cfg.Matcher.Kind {
	case "gemini":
		return matcher.NewGeminiMatcher(ctx, cfg.Gemini.APIKey, cfg.Gemini.Model, cfg.TriggerPath,
			matcher.WithFallbackModel(cfg.Gemini.FallbackModel))
	default:
		return matcher.NewHTTPMatcher(cfg.Matcher.Endpoint, cfg.TriggerPath, cfg.Matcher.Timeout)
	}
}

func run(cfgPath string) error {
	hc, err := config.NewHotConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := hc.Get()
	slog.SetDefault(logging.New(cfg.Log.Level, cfg.Log.Format))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	store, err := history.NewStore(cfg.History.DBPath)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer store.Close()

	mt, err := newMatcher(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init matcher: %w", err)
	}

	logs := newMatchLogs(cfg.History.LogDir)
	defer logs.close()

	var sched *fingerprint.Scheduler
	onMatch := func(match fingerprint.Match) {
		streamURL := sched.URL()
		m.IncMatches()
		slog.Info("match surfaced", "id", match.ID, "name", match.Name, "confidence", match.Confidence, "url", streamURL)
		logs.write(streamURL, match)
		recordCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := store.Record(recordCtx, history.Detection{Match: match, StreamURL: streamURL, HeardAt: time.Now()}); err != nil {
			slog.Error("record match failed", "err", err)
		}
	}
	sched = fingerprint.New(mt, cfg.SchedulerConfig(), onMatch,
		fingerprint.WithCycleHook(func(o fingerprint.Outcome, d time.Duration) {
			m.Cycle(string(o), d)
		}))
	defer sched.Close()

	rs := newRestarter(cfg.Restart.Backoff, cfg.Restart.MaxBackoff)
	defer rs.stop()

	var lc *session.Lifecycle
	lc = session.New(sched, session.Options{
		Download: cfg.DownloadOptions(),
		Observer: download.Observer{
			OnChunk: m.ChunkReceived,
		},
		OnPendingChange: m.SetPendingLoads,
		OnFailure: func(streamURL string, err error) {
			m.DownloadFailed()
			rs.schedule(streamURL, func() {
				st, serr := lc.Status()
				if serr != nil || st.URL != streamURL || st.State != session.Failed.String() {
					return
				}
				slog.Info("restarting session", "url", streamURL)
				if err := lc.Start(streamURL); err != nil {
					slog.Error("restart failed", "url", streamURL, "err", err)
				}
			})
		},
	})
	defer func() {
		if err := lc.Stop(); err != nil && !errors.Is(err, session.ErrNoSession) {
			slog.Warn("stop session", "err", err)
		}
	}()

	srv := web.NewServer(web.Options{
		Sessions:     lc,
		History:      store,
		Metrics:      m,
		LogDir:       cfg.History.LogDir,
		ReadSize:     cfg.Download.ReadSize,
		Username:     cfg.Web.Username,
		PasswordHash: cfg.Web.PasswordHash,
	})

	hc.OnReload(func(c *config.Config) {
		sched.UpdateTuning(c.Fingerprint.Threshold, c.Policy())
		srv.UpdateAuth(c.Web.Username, c.Web.PasswordHash)
		rs.setBackoff(c.Restart.Backoff, c.Restart.MaxBackoff)
	})
	if err := hc.Watch(ctx); err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	}

	if cfg.StreamURL != "" {
		if err := lc.Start(cfg.StreamURL); err != nil {
			return fmt.Errorf("start stream: %w", err)
		}
	}

	slog.Info("radiotap started",
		"matcher", cfg.Matcher.Kind,
		"stream", cfg.StreamURL,
		"web", fmt.Sprintf("http://localhost:%d", cfg.Web.Port),
	)
	err = srv.ListenAndServe(ctx, fmt.Sprintf(":%d", cfg.Web.Port))
	slog.Info("shutting down...")
	return err
}

func matchOnce(audioPath, cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.SetDefault(logging.New(cfg.Log.Level, cfg.Log.Format))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mt, err := newMatcher(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init matcher: %w", err)
	}
	candidates, err := mt.Match(ctx, audioPath)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		fmt.Println("no candidates")
		return nil
	}
	for _, c := range candidates {
		mark := " "
		if c.Confidence >= cfg.Fingerprint.Threshold {
			mark = "*"
		}
		fmt.Printf("%s %3d%%  #%d  %s  [%s]  %s\n", mark, c.Confidence, c.ID, c.Name, c.Type, c.Description)
	}
	return nil
}
