package main

import (
	"os"

	"github.com/urfave/cli/v3"

	"github.com/stratakv/strata/internal/engine"
	"github.com/stratakv/strata/internal/logger"
)

var (
	numPages    int64
	pageSize    int64
	maxSeqs     int64
	pagesPerSeq int64
	numHeads    int64
	kvHeads     int64
	headDim     int64
	softCap     float64
	backend     string
	lockMemory  bool
	vocab       int64
	seed        int64
	logLevel    string
	logFormat   string
	debug       bool
)

func cacheFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "pages",
			Usage:       "total KV pages in the cache pool",
			Value:       1024,
			Destination: &numPages,
		},
		&cli.Int64Flag{
			Name:        "page-size",
			Usage:       "token slots per page",
			Value:       16,
			Destination: &pageSize,
		},
		&cli.Int64Flag{
			Name:        "max-seqs",
			Aliases:     []string{"seqs"},
			Usage:       "maximum concurrent sequences",
			Value:       16,
			Destination: &maxSeqs,
		},
		&cli.Int64Flag{
			Name:        "pages-per-seq",
			Usage:       "page table width per sequence",
			Value:       64,
			Destination: &pagesPerSeq,
		},
		&cli.StringFlag{
			Name:        "backend",
			Usage:       "attention kernel (reference)",
			Destination: &backend,
		},
		&cli.BoolFlag{
			Name:        "lock-memory",
			Usage:       "pin the cache into RAM with mlock",
			Destination: &lockMemory,
		},
	}
}

func modelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "heads",
			Usage:       "query head count",
			Value:       8,
			Destination: &numHeads,
		},
		&cli.Int64Flag{
			Name:        "kv-heads",
			Usage:       "key/value head count",
			Value:       4,
			Destination: &kvHeads,
		},
		&cli.Int64Flag{
			Name:        "head-dim",
			Usage:       "per-head dimension",
			Value:       32,
			Destination: &headDim,
		},
		&cli.Float64Flag{
			Name:        "soft-cap",
			Usage:       "attention logit soft cap (0 disables)",
			Destination: &softCap,
		},
		&cli.Int64Flag{
			Name:        "vocab",
			Usage:       "toy decoder vocabulary size",
			Value:       4096,
			Destination: &vocab,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "toy decoder weight seed",
			Value:       1,
			Destination: &seed,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func newLogger() logger.Logger {
	level := logger.ParseLevel(logLevel)
	if debug {
		level = logger.ParseLevel("debug")
	}
	if logFormat == "json" {
		return logger.JSON(os.Stderr, level)
	}
	return logger.Pretty(os.Stderr, level)
}

func engineConfig() engine.Config {
	return engine.Config{
		NumPages:    int(numPages),
		PageSize:    int(pageSize),
		MaxSeqs:     int(maxSeqs),
		PagesPerSeq: int(pagesPerSeq),
		NumHeads:    int(numHeads),
		KVHeads:     int(kvHeads),
		HeadDim:     int(headDim),
		SoftCap:     softCap,
		Backend:     backend,
		LockMemory:  lockMemory,
	}
}
