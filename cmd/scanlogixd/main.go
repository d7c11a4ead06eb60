// Scanlogixd - EtherNet/IP scan daemon.
//
// Loads the configuration, scans the configured ControlLogix tags on
// their periods, and republishes updates over MQTT, Kafka, Valkey,
// and the HTTP status API.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"scanlogix/config"
	"scanlogix/kafka"
	"scanlogix/logging"
	"scanlogix/metrics"
	"scanlogix/mqtt"
	"scanlogix/plcman"
	"scanlogix/valkey"
	"scanlogix/web"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	configPath  = flag.String("config", config.DefaultPath(), "Path to configuration file")
	showVersion = flag.Bool("version", false, "Show version and exit")
	logDebug    = flag.String("log-debug", "", "Enable debug logging to debug.log; \"all\" or a comma-separated protocol list (eip,cip,scan,mqtt,kafka,valkey,web)")
	logPath     = flag.String("log", "", "Path to operational log file (optional)")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("scanlogixd %s\n", Version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "scanlogixd: %v\n", err)
		os.Exit(1)
	}
	logging.SetVerbosity(cfg.Verbosity)

	if *logDebug != "" {
		dbg, err := logging.NewDebugLogger("debug.log")
		if err != nil {
			fmt.Fprintf(os.Stderr, "scanlogixd: %v\n", err)
			os.Exit(1)
		}
		dbg.SetFilter(*logDebug)
		logging.SetGlobalDebugLogger(dbg)
		defer dbg.Close()
	}

	var oplog *logging.FileLogger
	if *logPath != "" {
		oplog, err = logging.NewFileLogger(*logPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "scanlogixd: %v\n", err)
			os.Exit(1)
		}
		defer oplog.Close()
	}
	logf := func(format string, args ...interface{}) {
		oplog.Log(format, args...)
		if logging.V(1) {
			fmt.Printf(format+"\n", args...)
		}
	}

	logf("scanlogixd %s starting, config %s", Version, *configPath)

	// Build the registry from the configuration.
	reg := plcman.New(plcman.Options{
		DefaultPeriod: cfg.DefaultPeriod,
		Timeout:       cfg.Timeout,
		TransferLimit: cfg.TransferLimit,
	})

	for _, pc := range cfg.PLCs {
		if !pc.Enabled {
			continue
		}
		p, err := reg.DefinePLC(pc.Name, pc.Address, pc.Slot)
		if err != nil {
			fmt.Fprintf(os.Stderr, "scanlogixd: %v\n", err)
			os.Exit(1)
		}
		for _, tc := range pc.Tags {
			if _, err := reg.AddTag(p, tc.Period, tc.Tag, tc.Elements); err != nil {
				fmt.Fprintf(os.Stderr, "scanlogixd: plc %s: %v\n", pc.Name, err)
				os.Exit(1)
			}
		}
		logf("defined PLC %s at %s slot %d with %d tag(s)", pc.Name, pc.Address, pc.Slot, len(pc.Tags))
	}

	reg.Start()

	// Republishers. Start failures are reported and skipped so one
	// broken broker does not take the scan down.
	var stoppers []func()

	for i := range cfg.MQTT {
		mc := &cfg.MQTT[i]
		if !mc.Enabled {
			continue
		}
		if mc.RootTopic == "" {
			mc.RootTopic = cfg.Namespace
		}
		pub := mqtt.NewPublisher(mc, reg, cfg.IsTagWritable)
		if err := pub.Start(); err != nil {
			logf("mqtt %s: %v", mc.Name, err)
			continue
		}
		logf("mqtt publisher %s started (%s)", mc.Name, mc.Broker)
		stoppers = append(stoppers, pub.Stop)
	}

	for i := range cfg.Kafka {
		kc := &cfg.Kafka[i]
		if !kc.Enabled {
			continue
		}
		pub := kafka.NewPublisher(kc, cfg.Namespace, reg)
		if err := pub.Start(); err != nil {
			logf("kafka %s: %v", kc.Name, err)
			continue
		}
		logf("kafka publisher %s started (%v)", kc.Name, kc.Brokers)
		stoppers = append(stoppers, pub.Stop)
	}

	for i := range cfg.Valkey {
		vc := &cfg.Valkey[i]
		if !vc.Enabled {
			continue
		}
		pub := valkey.NewPublisher(vc, cfg.Namespace, reg)
		if err := pub.Start(); err != nil {
			logf("valkey %s: %v", vc.Name, err)
			continue
		}
		logf("valkey publisher %s started (%s)", vc.Name, vc.Address)
		stoppers = append(stoppers, pub.Stop)
	}

	if cfg.Web.Enabled {
		srv := web.NewServer(&cfg.Web, reg, metrics.Handler(reg))
		if err := srv.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "scanlogixd: %v\n", err)
			os.Exit(1)
		}
		logf("web server on %s:%d", cfg.Web.Host, cfg.Web.Port)
		stoppers = append(stoppers, srv.Stop)
	}

	// Run until interrupted.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	s := <-sig
	logf("received %v, shutting down", s)

	for i := len(stoppers) - 1; i >= 0; i-- {
		stoppers[i]()
	}
	reg.Shutdown()
	logf("scanlogixd stopped")
}
