// Command fidel runs the Fidel AI voice tutor from a terminal: press Enter to
// start or stop a conversation, type q to quit.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fidelai/fidel/internal/app"
	"github.com/fidelai/fidel/internal/config"
	"github.com/fidelai/fidel/internal/observe"
	"github.com/fidelai/fidel/internal/tutor"
	"github.com/fidelai/fidel/pkg/audio"
	"github.com/fidelai/fidel/pkg/audio/portaudio"
	"github.com/fidelai/fidel/pkg/audio/spectrum"
	"github.com/fidelai/fidel/pkg/provider/s2s"
	"github.com/fidelai/fidel/pkg/provider/s2s/gemini"
	"github.com/fidelai/fidel/pkg/provider/s2s/genailive"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

// frameInterval paces the spectrum meter at roughly 30 frames per second.
const frameInterval = time.Second / 30

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Duration("watch", 5*time.Second, "config reload interval; 0 disables reloading")
	meter := flag.Bool("meter", true, "draw the live spectrum meter")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "fidel: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "fidel: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Slog())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("fidel starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.Setup(ctx, observe.TelemetryConfig{ServiceName: "fidel", ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics, err := telemetry.Metrics()
	if err != nil {
		slog.Error("failed to create metric instruments", "err", err)
		return 1
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Application ───────────────────────────────────────────────────────────
	console := newConsole(os.Stderr)
	opts := []app.Option{
		app.WithLogger(logger),
		app.WithLevelVar(level),
		app.WithMetrics(metrics),
		app.WithMetricsHandler(telemetry.Handler()),
		app.WithSessionOptions(
			app.OnTranscript(console.transcript),
			app.OnSessionEnded(console.ended),
		),
	}
	if *watch > 0 {
		opts = append(opts, app.WithConfigWatch(*configPath, *watch))
	}
	application, err := app.New(ctx, cfg, providers, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	printStartupSummary(cfg, reg)
	if rep := application.Ready(ctx); !rep.Ready() {
		slog.Warn("not ready to start a session", "failing", rep.Failed())
	}

	ctx, quit := context.WithCancel(ctx)
	defer quit()
	go console.readCommands(ctx, os.Stdin, application.Sessions(), quit)
	if *meter {
		ctl := application.Controller()
		go spectrum.Run(ctx, spectrum.NewVisualizer(spectrum.DefaultBuckets), frameInterval, ctl.ActiveAnalyser, func(f spectrum.Frame) {
			console.meter(ctl.Status(), f)
		})
	} else {
		go console.printLines(ctx)
	}

	fmt.Fprintln(os.Stdout, "Press Enter to talk to Fidel AI, Enter again to stop, q to quit.")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the shipped provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterS2S("gemini-live", func(entry config.ProviderEntry) (s2s.Provider, error) {
		if entry.APIKey == "" {
			return nil, errors.New("api_key is required")
		}
		var opts []gemini.Option
		if entry.Model != "" {
			opts = append(opts, gemini.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		if d, ok := optDuration(entry.Options, "keepalive"); ok {
			opts = append(opts, gemini.WithKeepalive(d))
		}
		return gemini.New(entry.APIKey, opts...), nil
	})

	reg.RegisterS2S("gemini-genai", func(entry config.ProviderEntry) (s2s.Provider, error) {
		if entry.APIKey == "" {
			return nil, errors.New("api_key is required")
		}
		return genailive.New(context.Background(), entry.APIKey, genailive.WithModel(entry.Model))
	})

	reg.RegisterAudio("portaudio", func(config.ProviderEntry) (audio.Platform, error) {
		return portaudio.New()
	})

	for _, kind := range []string{"s2s", "audio"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// buildProviders instantiates the providers named in cfg.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	p, err := reg.CreateS2S(cfg.Providers.S2S)
	if err != nil {
		return nil, fmt.Errorf("create s2s provider %q: %w", cfg.Providers.S2S.Name, err)
	}
	ps.S2S = p
	slog.Info("provider created", "kind", "s2s", "name", cfg.Providers.S2S.Name)

	if name := cfg.Providers.S2SFallback.Name; name != "" {
		p, err := reg.CreateS2S(cfg.Providers.S2SFallback)
		if err != nil {
			return nil, fmt.Errorf("create s2s fallback %q: %w", name, err)
		}
		ps.S2SFallback = p
		slog.Info("provider created", "kind", "s2s_fallback", "name", name)
	}

	a, err := reg.CreateAudio(cfg.Providers.Audio)
	if err != nil {
		return nil, fmt.Errorf("create audio platform %q: %w", cfg.Providers.Audio.Name, err)
	}
	ps.Audio = a
	slog.Info("provider created", "kind", "audio", "name", cfg.Providers.Audio.Name)

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, reg *config.Registry) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        Fidel AI · startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("S2S", providerLabel(cfg.Providers.S2S))
	printRow("S2S fallback", providerLabel(cfg.Providers.S2SFallback))
	printRow("Audio", providerLabel(cfg.Providers.Audio))
	printRow("Grade", cfg.Tutor.Grade)
	printRow("Voice", cfg.Tutor.Voice)
	printRow("Balance", fmt.Sprintf("%.2f ETB", cfg.Wallet.Balance()))
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	printRow("Known S2S", strings.Join(reg.Names("s2s"), ","))
	fmt.Println("╚═══════════════════════════════════════╝")
}

func providerLabel(e config.ProviderEntry) string {
	switch {
	case e.Name == "":
		return "(not configured)"
	case e.Model != "":
		return e.Name + " / " + e.Model
	default:
		return e.Name
	}
}

func printRow(label, value string) {
	if r := []rune(value); len(r) > 21 {
		value = string(r[:20]) + "…"
	}
	fmt.Printf("║  %-13s: %-21s ║\n", label, value)
}

// ── Console ───────────────────────────────────────────────────────────────────

// console draws the meter line and interleaves transcripts above it.
type console struct {
	out   io.Writer
	lines chan string
}

func newConsole(out io.Writer) *console {
	return &console{out: out, lines: make(chan string, 64)}
}

// readCommands toggles the session on every Enter and quits on "q".
func (c *console) readCommands(ctx context.Context, in io.Reader, sessions *app.SessionManager, quit context.CancelFunc) {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		switch strings.TrimSpace(strings.ToLower(sc.Text())) {
		case "q", "quit", "exit":
			quit()
			return
		case "":
			started, err := sessions.Toggle(ctx)
			switch {
			case errors.Is(err, tutor.ErrQuotaExceeded):
				c.say(tutor.ErrQuotaExceeded.Error())
			case err != nil:
				c.say("could not start: " + err.Error())
			case started:
				c.say("connecting…")
			default:
				c.say("stopped")
			}
		}
	}
	// stdin closed: leave the process to signals.
}

func (c *console) transcript(t s2s.Transcript) {
	c.say(fmt.Sprintf("%s: %s", t.Speaker, t.Text))
}

func (c *console) say(line string) {
	select {
	case c.lines <- line:
	default:
	}
}

func (c *console) ended(info app.SessionInfo) {
	msg := fmt.Sprintf("session ended (%s) after %s, %d tokens, %.4f ETB",
		info.Reason, info.Duration().Round(time.Second), info.Usage.Total(), info.Cost)
	if info.Err != nil {
		msg += ": " + info.Err.Error()
	}
	c.say(msg)
}

// flush prints every pending line.
func (c *console) flush() {
	for {
		select {
		case line := <-c.lines:
			fmt.Fprintf(c.out, "\r\033[K%s\n", line)
		default:
			return
		}
	}
}

// printLines prints pending lines when the meter is off.
func (c *console) printLines(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case line := <-c.lines:
			fmt.Fprintln(c.out, line)
		}
	}
}

var blocks = []rune(" ▁▂▃▄▅▆▇█")

// meter redraws the status line. Pending transcript lines are printed first
// so they scroll above it.
func (c *console) meter(st tutor.Status, f spectrum.Frame) {
	c.flush()

	var sb strings.Builder
	for _, b := range f.Bars {
		i := int(b * float64(len(blocks)-1))
		sb.WriteRune(blocks[min(max(i, 0), len(blocks)-1)])
	}
	label := st.State.String()
	if st.State == tutor.StateActive {
		label = "listening"
		if st.Speaking {
			label = "speaking"
		}
	}
	fmt.Fprintf(c.out, "\r\033[K[%-10s] %s %3.0f%%", label, sb.String(), f.Volume*100)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optDuration reads a duration string such as "20s" from a provider Options map.
func optDuration(opts map[string]any, key string) (time.Duration, bool) {
	s, ok := opts[key].(string)
	if !ok {
		return 0, false
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, false
	}
	return d, true
}
