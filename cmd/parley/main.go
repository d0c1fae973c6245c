// Command parley is the voice client: it listens on the microphone (or a WAV
// file), sends each utterance to the assistant backend and plays or prints
// the reply.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/engine"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/latency"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/response"
	"github.com/MrWong99/parley/pkg/types"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "parley.yaml", "path to the YAML configuration file")
	input := flag.String("input", "", "override audio.input_file and replay this WAV file")
	noStdin := flag.Bool("no-stdin", false, "do not read commands from stdin")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		return 1
	}
	if *input != "" {
		cfg.Audio.Input = config.InputWAV
		cfg.Audio.InputFile = *input
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("parley starting",
		"version", version,
		"config", *configPath,
		"transport", cfg.Backend.Transport,
		"endpoints", cfg.Backend.Endpoints(),
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	application, err := app.New(cfg,
		app.WithObserver(consoleObserver(os.Stdout)),
		app.WithMetrics(tel.Metrics),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	eng := application.Engine()

	// ── Status server ─────────────────────────────────────────────────────────
	srv := newStatusServer(cfg.Server.StatusAddr, application, tel)
	if srv != nil {
		go func() {
			slog.Info("status server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("status server error", "err", err)
			}
		}()
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	if _, statErr := os.Stat(*configPath); statErr == nil {
		w, err := config.NewWatcher(*configPath)
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			go w.Run(runCtx, func(ch config.Change) {
				if ch.Diff.LogLevelChanged {
					level.Set(ch.Diff.NewLogLevel.Level())
				}
				if ch.Diff.VADChanged || ch.Diff.TurnChanged {
					application.Reload(ch.New)
				}
			})
		}
	}

	// ── Commands ──────────────────────────────────────────────────────────────
	if !*noStdin {
		go readCommands(runCtx, os.Stdin, application, cancelRun)
	}

	slog.Info("ready: speak to start a turn or type 'help' for commands")

	if err := application.Run(runCtx); err != nil {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	logLatency(eng)

	code := 0
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("status server shutdown error", "err", err)
		}
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	slog.Info("goodbye")
	return code
}

// loadConfig reads path, falling back to the defaults when it does not exist.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "parley: config file %q not found, using defaults\n", path)
		return config.Default(), nil
	}
	return cfg, err
}

func newStatusServer(addr string, application *app.App, tel *observe.Provider) *http.Server {
	if addr == "" {
		return nil
	}
	eng := application.Engine()
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", tel.MetricsHandler)
	health.New(
		func() any { return application.Status() },
		health.Flag("backend", eng.Connected, "backend not connected"),
		health.Flag("audio_input", eng.InputOK, "audio input unavailable"),
	).Register(mux)

	return &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(tel.Metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

const helpText = `commands:
  start      begin a recording session
  stop       end the recording session
  flush      stop the current capture and send it now
  reinit     retry the audio input after an error
  reconnect  dial the backend again
  quit       exit`

// readCommands executes one command per line of r until ctx ends, r is
// exhausted or the user quits.
func readCommands(ctx context.Context, r io.Reader, application *app.App, quit func()) {
	eng := application.Engine()
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		var err error
		switch cmd := strings.ToLower(strings.TrimSpace(sc.Text())); cmd {
		case "":
			continue
		case "start":
			err = eng.StartSession(ctx)
		case "stop":
			err = eng.StopSession(ctx)
		case "flush":
			err = eng.StopCapture(ctx)
		case "reinit":
			err = eng.Reinitialize(ctx)
		case "reconnect":
			application.Reconnect()
		case "quit", "exit":
			quit()
			return
		case "help", "?":
			fmt.Println(helpText)
		default:
			fmt.Printf("unknown command %q\n%s\n", cmd, helpText)
		}
		if err != nil {
			fmt.Printf("! %v\n", err)
		}
	}
}

// consoleObserver prints the engine's user-facing events.
func consoleObserver(w io.Writer) engine.ObserverFuncs {
	// printed is the reply text on the current console line.
	var printed string
	return engine.ObserverFuncs{
		StateChanged: func(s types.VoiceState) {
			fmt.Fprintf(w, "[%s]\n", s)
		},
		PartialText: func(text string) {
			if strings.HasPrefix(text, printed) {
				fmt.Fprint(w, text[len(printed):])
			} else {
				fmt.Fprintf(w, "\n%s", text)
			}
			printed = text
		},
		FinalTurn: func(userText, botText string, meta response.Meta) {
			switch {
			case printed != "" && printed == botText:
				fmt.Fprintln(w)
			case printed != "":
				fmt.Fprintf(w, "\nassistant: %s\n", botText)
			default:
				fmt.Fprintf(w, "assistant: %s\n", botText)
			}
			printed = ""
			if userText != "" {
				fmt.Fprintf(w, "  (heard: %q)\n", userText)
			}
			switch {
			case meta.Recorded && meta.SessionID != "":
				fmt.Fprintf(w, "  (recorded to %s)\n", meta.SessionID)
			case meta.Recorded:
				fmt.Fprintln(w, "  (recorded)")
			}
		},
		Error: func(msg string) {
			if printed != "" {
				fmt.Fprintln(w)
			}
			printed = ""
			fmt.Fprintf(w, "! %s\n", msg)
		},
		SessionChanged: func(active bool, id string) {
			switch {
			case active && id != "":
				fmt.Fprintf(w, "session %s recording\n", id)
			case active:
				fmt.Fprintln(w, "session requested")
			default:
				fmt.Fprintln(w, "session ended")
			}
		},
		Status: func(msg string) {
			fmt.Fprintf(w, "* %s\n", msg)
		},
	}
}

func logLatency(eng *engine.Engine) {
	lat := eng.Latency()
	for _, series := range []latency.Series{latency.Turn, latency.FirstToken, latency.Backend} {
		s := lat.Summary(series)
		if s.Count == 0 {
			continue
		}
		slog.Info("latency summary",
			"series", series,
			"count", s.Count,
			"p50", s.P50,
			"p95", s.P95,
			"clean_avg", s.CleanAverage,
			"outliers", s.Outliers,
		)
	}
}
