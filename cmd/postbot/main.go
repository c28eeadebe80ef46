package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"postbot/internal/app"
	"postbot/internal/executor"
	"postbot/internal/job"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./postbot.yaml", "path to config file (json or yaml)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	if tg := a.Telegram(); tg != nil {
		send := executor.NewSend(tg)
		for _, kind := range []job.Kind{job.KindDigest, job.KindBreaking, job.KindCategory, job.KindCustom} {
			if err := a.RegisterExecutor(kind, executor.Binding{Exec: send, Dependency: "telegram"}); err != nil {
				fmt.Fprintln(os.Stderr, "fatal:", err)
				os.Exit(1)
			}
		}
	}

	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	<-ctx.Done()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	_ = a.Stop(30 * time.Second)
}
