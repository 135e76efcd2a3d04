// Command fanctl is the fan controller firmware: it samples the 1-Wire
// thermometers, runs the PID loop on the fan and serves the console and,
// while the network is up, the HTTP interface.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"fanctl-go/bus"
	"fanctl-go/services/actuator"
	"fanctl-go/services/config"
	"fanctl-go/services/console"
	"fanctl-go/services/control"
	"fanctl-go/services/heartbeat"
	"fanctl-go/services/memlog"
	"fanctl-go/services/metrics"
	"fanctl-go/services/netmgr"
	"fanctl-go/services/platform"
	"fanctl-go/services/sched"
	"fanctl-go/services/sensor"
	"fanctl-go/services/state"
	"fanctl-go/services/telemetry"
	"fanctl-go/services/web"
	"fanctl-go/x/logx"

	"github.com/google/uuid"
)

var version = "dev"

func main() {
	device := flag.String("device", defaultDevice, "embedded configuration to start from")
	file := flag.String("config", defaultConfigFile, "YAML configuration file")
	envFile := flag.String("env", defaultEnvFile, "dotenv file with FANCTL_* overrides")
	flag.Parse()

	src := config.Sources{Device: *device, File: *file}
	if *envFile != "" {
		src.EnvFiles = []string{*envFile}
	}
	if err := run(src); err != nil {
		fmt.Fprintln(os.Stderr, "fanctl:", err)
		os.Exit(1)
	}
}

func run(src config.Sources) error {
	cfg, err := config.Load(src)
	if err != nil {
		return err
	}

	logs, err := memlog.New(cfg.MemlogBytes)
	if err != nil {
		return err
	}
	level := logx.ParseLevel(cfg.LogLevel)
	zl := logx.New(level, logs.Core(level))
	defer zl.Sync()
	log := zl.Named("main")

	boot := uuid.NewString()
	log.Infof("fanctl %s boot %s device %s", version, boot, cfg.Device)

	b := bus.NewBus(8)
	config.Publish(b.NewConnection("config"), cfg)
	m := metrics.New()

	store, err := state.New(cfg.Params,
		state.WithBus(b.NewConnection("state")),
		state.WithLimits(cfg.Limits),
		state.WithBoot(boot))
	if err != nil {
		return fmt.Errorf("initial params: %w", err)
	}

	hw, err := platform.Open(cfg.Platform, zl.Named("platform"))
	if err != nil {
		return err
	}
	defer hw.Close()

	fan := actuator.New(hw.FanPWM, cfg.Fan)
	if err := fan.Init(); err != nil {
		return err
	}

	sens, err := sensor.New(hw.OneWire, cfg.Sensor,
		sensor.WithLogger(zl.Named("sensor")),
		sensor.WithPublisher(store),
		sensor.WithRecorder(m))
	if err != nil {
		return err
	}

	loop := control.New(cfg.Control, sens, store, store, fan,
		control.WithLogger(zl.Named("control")),
		control.WithRecorder(m))

	nm := netmgr.New(hw.Link, cfg.Net,
		netmgr.WithLogger(zl.Named("net")),
		netmgr.WithPublisher(store),
		netmgr.WithPublisher(m))

	banner := fmt.Sprintf("fanctl %s on %s", version, hw.Name)
	srv := web.New(store, cfg.Web,
		web.WithLogger(zl.Named("web")),
		web.WithLogs(logs),
		web.WithMetrics(m),
		web.WithBanner(banner+"\n"))

	con := console.New(store, cfg.Console,
		console.WithLogger(zl.Named("console")),
		console.WithLogs(logs),
		console.WithBanner(banner),
		console.WithBus(b.NewConnection("console")))

	hb := heartbeat.New(b.NewConnection("heartbeat"), boot, heartbeat.WithLogger(zl.Named("heartbeat")))
	tel := telemetry.New(cfg.Telemetry, b.NewConnection("telemetry"), store, boot,
		telemetry.WithLogger(zl.Named("telemetry")))

	runner := sched.NewRunner(cfg.Sched,
		sched.WithLogger(zl.Named("sched")),
		sched.WithReset(hw.Reset))
	runner.Add(
		sens,
		loop,
		nm,
		sched.Func{N: srv.Name(), F: func(ctx context.Context) error { return srv.Run(ctx, nm.Sessions()) }},
		sched.Func{N: con.Name(), F: func(ctx context.Context) error { return con.Run(ctx, hw.Console) }},
		hb,
		tel,
	)
	runner.Add(hw.Tasks...)

	ctx, cancel := rootContext()
	defer cancel()
	err = runner.Run(ctx)
	log.Infof("stopped")
	return err
}
