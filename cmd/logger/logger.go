package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fako1024/labscale/pkg/link"
	"github.com/fako1024/labscale/pkg/scale"
	"github.com/fako1024/labscale/pkg/stream"
	"github.com/sirupsen/logrus"
)

type config struct {
	host     string
	port     int
	interval time.Duration
	debug    bool
}

var log = logrus.New()

func main() {

	// Parse command line options
	var cfg config

	flag.StringVar(&cfg.host, "host", "", "host / IP of the balance")
	flag.IntVar(&cfg.port, "port", link.DefaultPort, "TCP port of the balance")
	flag.DurationVar(&cfg.interval, "interval", stream.DefaultInterval, "pause between two readings")
	flag.BoolVar(&cfg.debug, "debug", false, "enable debug logging")
	flag.Parse()

	if cfg.debug {
		log.SetLevel(logrus.DebugLevel)
	}
	if cfg.host == "" {
		log.Fatalf("no balance host provided")
	}

	l := link.New(link.Config{
		Host: cfg.host,
		Port: cfg.port,
	}, link.WithLogger(log))

	stateChan := make(chan scale.ConnectionStatus, 16)
	l.SetStateChangeChannel(stateChan)
	go func() {
		for st := range stateChan {
			log.Warnf("State change: %s (error: %v)", st.State, st.Error)
		}
	}()

	if err := l.Start(); err != nil {
		log.Fatalf("Failed to start link to balance: %s", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, os.Interrupt)
	go func() {
		<-sigChan
		log.Infof("Got signal, terminating connection to balance")
		cancel()
	}()

	s := stream.Open(ctx, l, stream.WithInterval(cfg.interval), stream.WithLogger(log))
	for ev := range s.Events() {
		fields := logrus.Fields{"session": s.ID()}
		switch ev.Type {
		case stream.EventReading:
			fields["stable"] = ev.Stable
			fields["instrument_stable"] = ev.InstrumentStable
			log.WithFields(fields).Infof("%.4f %s", ev.Value, ev.Unit)
		case stream.EventError:
			fields["kind"] = ev.Error.Kind
			if ev.Error.Fault != "" {
				fields["fault"] = ev.Error.Fault
			}
			log.WithFields(fields).Warn(ev.Error.Message)
		case stream.EventStopped:
			log.WithFields(fields).Info("Stream stopped")
		}
	}

	if err := l.Stop(); err != nil {
		log.Errorf("Failed to close connection to balance: %s", err)
	}
}
