package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/danmuck/flexmodel/internal/config"
	"github.com/danmuck/flexmodel/internal/logging"
)

func main() {
	configPath := flag.String("config", "cmd/flexctl/config.toml", "session config path")
	layers := flag.Int("layers", 2, "demo model depth")
	hidden := flag.Int("hidden", 64, "demo model width")
	batch := flag.Int("batch", 2, "input batch size")
	seq := flag.Int("seq", 4, "input sequence length")
	steps := flag.Int("steps", 1, "forward passes per rank")
	hold := flag.Bool("hold", false, "keep the admin server up after the run until interrupted")
	insecure := flag.Bool("insecure", false, "accept any peer token when session_token is empty")
	flag.Parse()

	logging.ConfigureRuntime()

	cfg, err := config.LoadSessionConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "flexctl: %v\n", err)
		os.Exit(1)
	}

	r := &Runner{
		Config:   cfg,
		Layers:   *layers,
		Hidden:   *hidden,
		Batch:    *batch,
		Seq:      *seq,
		Steps:    *steps,
		Hold:     *hold,
		Insecure: *insecure,
	}
	if err := r.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "flexctl: %v\n", err)
		os.Exit(1)
	}
}
