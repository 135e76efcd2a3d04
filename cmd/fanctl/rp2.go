//go:build rp2040 || rp2350

package main

import (
	"context"
	"time"
)

// No filesystem on the board: the embedded configuration is the only source.
const (
	defaultDevice     = "pico"
	defaultConfigFile = ""
	defaultEnvFile    = ""
)

func rootContext() (context.Context, context.CancelFunc) {
	// Let USB CDC enumerate before the first log line.
	time.Sleep(2 * time.Second)
	return context.WithCancel(context.Background())
}
