package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"

	"cellfix/internal/config"
	"cellfix/internal/modem"
	"cellfix/internal/pipeline"
	"cellfix/internal/trigger"
	"cellfix/internal/web"
)

const readyPrompt = "Ready. Press BOOT button to start process."

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "./cellfix.yaml", "Path to YAML config")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	logs := web.NewLogBuffer(cfg.Web.LogTail)
	log.SetOutput(io.MultiWriter(os.Stderr, logs))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	session, err := modem.Open(cfg.Modem.Device, cfg.Modem.Baud, cfg.Modem.Trace)
	if err != nil {
		log.Fatalf("modem open failed: %v", err)
	}
	defer session.Close()

	log.Printf("cellfix starting")
	log.Printf("modem device=%s baud=%d", cfg.Modem.Device, cfg.Modem.Baud)

	orch := buildOrchestrator(cfg, session)
	status := web.NewStatus()

	var events <-chan struct{}
	triggerSource := "web"
	if cfg.Trigger.Button.Enable {
		btn, err := trigger.OpenButton(cfg.Trigger.Button.GPIO, cfg.Trigger.Button.Debounce)
		if err != nil {
			log.Printf("trigger button unavailable: %v", err)
		} else {
			defer btn.Close()
			events = btn.Events()
			triggerSource = fmt.Sprintf("gpio%d", cfg.Trigger.Button.GPIO)
		}
	}
	status.SetStatic(cfg.Modem.Device, triggerSource)

	if cfg.Web.Listen != "" {
		h := web.Handler(ctx, status, orch, logs)
		go func() {
			log.Printf("web listening on %s", cfg.Web.Listen)
			if err := web.Serve(ctx, cfg.Web.Listen, h); err != nil && ctx.Err() == nil {
				log.Printf("web server stopped: %v", err)
			}
		}()
	}

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Printf("sd_notify ready failed: %v", err)
	} else if ok {
		log.Printf("sd_notify ready sent")
	}
	log.Print(readyPrompt)

	trigger.Loop(ctx, events, func(ctx context.Context) bool {
		res, err := orch.TryRun(ctx)
		if err != nil {
			return false
		}
		logRunResult(res)
		log.Print(readyPrompt)
		return true
	})

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	log.Printf("cellfix stopping")
}

func logRunResult(res pipeline.Result) {
	if res.State != pipeline.StateDone {
		log.Printf("run=%d failed stage=%s err=%v", res.ID, res.FailedAt, res.Err)
		return
	}
	log.Printf("run=%d done via=%s\n%s", res.ID, res.Path, res.Report.Text())
}
