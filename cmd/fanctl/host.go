//go:build !rp2040 && !rp2350

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

const (
	defaultDevice     = "host"
	defaultConfigFile = "fanctl.yaml"
	defaultEnvFile    = ".env"
)

func rootContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
