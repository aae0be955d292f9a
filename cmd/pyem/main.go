package main

import (
	"fmt"
	"os"

	"github.com/AmazonRF/pyem/internal/cli"
	"github.com/AmazonRF/pyem/internal/config"
	"github.com/AmazonRF/pyem/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "pyem: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.Setup(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pyem: %v\n", err)
		os.Exit(1)
	}

	if err := cli.NewRootCmd(cfg, log).Execute(); err != nil {
		log.Error("command failed", "error", err)
		os.Exit(1)
	}
}
