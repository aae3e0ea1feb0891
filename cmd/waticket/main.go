// Command waticket runs the WhatsApp support desk connection core.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mdp/qrterminal/v3"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/Nycolazs/whatsapp-system-sub000/internal/config"
	"github.com/Nycolazs/whatsapp-system-sub000/internal/hours"
	"github.com/Nycolazs/whatsapp-system-sub000/internal/identity"
	"github.com/Nycolazs/whatsapp-system-sub000/internal/jobs"
	"github.com/Nycolazs/whatsapp-system-sub000/internal/media"
	"github.com/Nycolazs/whatsapp-system-sub000/internal/store"
	"github.com/Nycolazs/whatsapp-system-sub000/internal/supervisor"
	"github.com/Nycolazs/whatsapp-system-sub000/internal/throttle"
	"github.com/Nycolazs/whatsapp-system-sub000/internal/ticket"
	"github.com/Nycolazs/whatsapp-system-sub000/internal/wa"
)

func main() {
	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := newLogger(cfg)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.NewSQLiteStore(cfg.StorePath)
	if err != nil {
		return err
	}
	defer db.Close()

	mediaStore, err := media.NewStore(cfg.MediaDir)
	if err != nil {
		return err
	}

	client, err := wa.NewClient(ctx, cfg.SessionPath, log)
	if err != nil {
		return err
	}
	defer client.Close()

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return err
	}

	sink := &logSink{log: log.With("component", "events")}
	pipeline := supervisor.NewPipeline(supervisor.PipelineDeps{
		Resolver:   identity.NewResolver(db.Messages, log.With("component", "identity")),
		Reconciler: ticket.NewReconciler(db, db.Tickets, log.With("component", "ticket")),
		Tickets:    db.Tickets,
		Messages:   db.Messages,
		Settings:   db.Settings,
		Blacklist:  db.Blacklist,
		Media:      mediaStore,
		Sender:     client,
		Downloader: client,
		Hours:      hours.NewEvaluator(db.Hours, loc, log.With("component", "hours")),
		Limiter:    throttle.New(db.Throttle, cfg.OutOfHoursCooldown),
		Sink:       sink,
		Log:        log.With("component", "pipeline"),
	})

	supCfg := supervisor.DefaultConfig()
	supCfg.ReconnectBase = cfg.ReconnectBaseDelay
	supCfg.ReconnectMax = cfg.ReconnectMaxDelay
	supCfg.MaxAttempts = cfg.ReconnectMaxRetries
	supCfg.ConnectTimeout = cfg.ConnectTimeout
	supCfg.HeartbeatInterval = cfg.HeartbeatInterval
	supCfg.HeartbeatFailures = cfg.HeartbeatFailures
	supCfg.WatchdogStale = cfg.WatchdogStale
	sup := supervisor.New(supCfg, client, pipeline, log.With("component", "supervisor"))

	go renderQRCodes(sup.QRCodes(), cfg.SessionPath, log)

	runner := jobs.NewRunner(log.With("component", "jobs"))
	if err := runner.Add(cfg.JobInterval, jobs.NewAutoAwait(db.Tickets, db.Settings, log)); err != nil {
		return err
	}
	if err := runner.Add(cfg.JobInterval, jobs.NewReminderScan(db.Reminders, sink, log)); err != nil {
		return err
	}
	runner.Start()
	defer runner.Stop()

	log.Info("support desk starting", "store", cfg.StorePath, "session", cfg.SessionPath)
	return sup.Run(ctx)
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// renderQRCodes prints each pairing code to the terminal and writes it as a
// PNG next to the session store, for headless deployments.
func renderQRCodes(codes <-chan string, sessionPath string, log *slog.Logger) {
	pngPath := filepath.Join(filepath.Dir(sessionPath), "qr.png")
	for code := range codes {
		fmt.Println("Scan the QR code with WhatsApp:")
		qrterminal.GenerateHalfBlock(code, qrterminal.L, os.Stdout)
		if err := qrcode.WriteFile(code, qrcode.Medium, 256, pngPath); err != nil {
			log.Warn("failed to write QR png", "path", pngPath, "error", err)
		} else {
			log.Info("QR code written", "path", pngPath)
		}
	}
}

// logSink logs emitted events. Downstream integrations subscribe here.
type logSink struct {
	log *slog.Logger
}

func (s *logSink) Emit(event string, payload any) {
	s.log.Info("event emitted", "event", event, "payload", payload)
}
