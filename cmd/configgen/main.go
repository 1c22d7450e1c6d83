package main

import (
	"flag"
	"log"

	"github.com/danmuck/flexmodel/internal/config"
)

func main() {
	output := flag.String("output", "cmd/flexctl/config.toml", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "", "config path for validation (defaults to -output)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		path := *input
		if path == "" {
			path = *output
		}
		cfg, err := config.LoadSessionConfig(path)
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated session config at %s (world=%d hooks=%d)", path, cfg.WorldSize, len(cfg.Hooks))
		return
	}

	if err := config.WriteTemplate(*output, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote session config template to %s", *output)
}
