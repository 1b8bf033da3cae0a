package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/fako1024/labscale/pkg/link"
	"github.com/fako1024/labscale/pkg/scale"
	"github.com/sirupsen/logrus"
)

type config struct {
	host    string
	port    int
	timeout time.Duration

	showStatus bool
	count      int
}

var log = logrus.New()

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() (err error) {

	// Parse command line options
	var cfg config

	flag.StringVar(&cfg.host, "host", "", "Host / IP of the balance")
	flag.IntVar(&cfg.port, "port", link.DefaultPort, "TCP port of the balance")
	flag.DurationVar(&cfg.timeout, "timeout", 10*time.Second, "Time to wait for the connection")

	flag.BoolVar(&cfg.showStatus, "s", false, "Show the connection status")
	flag.IntVar(&cfg.count, "n", 1, "Number of readings to take")
	flag.Parse()

	l := link.New(link.Config{
		Host: cfg.host,
		Port: cfg.port,
	})
	if err = l.Start(); err != nil {
		return fmt.Errorf("failed to connect balance: %s", err)
	}
	defer func() {
		if cerr := l.Stop(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	deadline := time.Now().Add(cfg.timeout)
	for l.State() == scale.StateDisconnected && time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
	}

	if cfg.showStatus {
		status := l.Status()
		fmt.Printf("state: %s, error: %v, round trip: %v, manual entry: %v\n",
			status.State, status.Error, status.RoundTrip, status.ManualEntry())
	}

	for i := 0; i < cfg.count; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
		reading, err := l.ReadOnce(ctx)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to read weight: %w", err)
		}

		stable := ""
		if !reading.Stable {
			stable = " (unstable)"
		}
		fmt.Printf("%s %s%s\n", reading.TimeStamp.Format(time.RFC3339Nano), reading.Raw, stable)
	}

	return nil
}
