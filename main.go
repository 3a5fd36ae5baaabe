package main

import (
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/term"

	"github.com/webshell-gateway/webshell/auth"
	"github.com/webshell-gateway/webshell/config"
	"github.com/webshell-gateway/webshell/gateway"
	"github.com/webshell-gateway/webshell/terminal"
)

func newLogger() *logrus.Logger {
	log := logrus.New()
	if term.IsTerminal(int(os.Stdout.Fd())) {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	return log
}

func main() {
	log := newLogger()

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}

	gate := auth.NewGate(log)
	defer gate.Close()

	manager := terminal.NewManager(log, cfg.MaxTerminals, time.Duration(cfg.IdleTimeout)*time.Second, cfg.WorkspaceDir)
	defer manager.Shutdown()

	srv := gateway.New(cfg, gate, manager, log)

	log.WithFields(logrus.Fields{
		"port":          cfg.Port,
		"workspace_dir": cfg.WorkspaceDir,
		"is_local":      cfg.IsLocal(),
		"auto_login":    cfg.AutoLogin(),
	}).Info("starting webshell gateway")

	if err := srv.Run(); err != nil {
		log.WithError(err).Fatal("server exited")
	}
}
