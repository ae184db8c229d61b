package main

import (
	"os"

	"github.com/fibersqs/telesim/internal/cli"
	"github.com/fibersqs/telesim/internal/metrics"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
	os.Exit(int(cli.Run()))
}
