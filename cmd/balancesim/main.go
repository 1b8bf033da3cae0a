package main

import (
	"flag"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fako1024/labscale/pkg/mock"
	"github.com/sirupsen/logrus"
)

type config struct {
	addr   string
	weight float64
	noise  float64
	delay  time.Duration
	debug  bool
}

var log = logrus.New()

func main() {

	// Parse command line options
	var cfg config

	flag.StringVar(&cfg.addr, "addr", "127.0.0.1:8001", "endpoint to listen on")
	flag.Float64Var(&cfg.weight, "weight", 10, "simulated weight in grams")
	flag.Float64Var(&cfg.noise, "noise", 0.02, "amplitude of random weight fluctuations")
	flag.DurationVar(&cfg.delay, "delay", 20*time.Millisecond, "response delay")
	flag.BoolVar(&cfg.debug, "debug", false, "enable debug logging")
	flag.Parse()

	if cfg.debug {
		log.SetLevel(logrus.DebugLevel)
	}

	m, err := mock.New(mock.WithAddr(cfg.addr), mock.WithLogger(log))
	if err != nil {
		log.Fatalf("Failed to start simulated balance: %s", err)
	}
	m.SetDelay(cfg.delay)
	m.SetWeight(cfg.weight, true)
	log.Infof("Simulated balance listening on %s", m.Addr())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, os.Interrupt)

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			delta := (rand.Float64()*2 - 1) * cfg.noise
			m.SetWeight(cfg.weight+delta, delta < cfg.noise/2 && delta > -cfg.noise/2)
		case <-sigChan:
			log.Infof("Got signal, closing simulated balance (%d requests served)", m.Requests())
			if err := m.Close(); err != nil {
				log.Errorf("Failed to close simulated balance: %s", err)
			}
			return
		}
	}
}
