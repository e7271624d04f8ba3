package main

import (
	"time"

	"github.com/urfave/cli/v3"
)

var (
	configFile  string
	modelPath   string
	modelsPath  string
	maxContext  int64
	maxSessions int64
	logLevel    string
	logFormat   string
	debug       bool
)

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to config.yaml (default $XDG_CONFIG_HOME/kiln/config.yaml)",
			Destination: &configFile,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text, console)",
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

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "model directory (config.json, safetensors, tokenizer files)",
			Destination: &modelPath,
		},
		&cli.StringFlag{
			Name:        "models-path",
			Aliases:     []string{"path"},
			Usage:       "directory containing model directories",
			Destination: &modelsPath,
		},
		&cli.Int64Flag{
			Name:        "max-context",
			Aliases:     []string{"max-ctx", "ctx", "c"},
			Usage:       "max context length (0 = model maximum)",
			Destination: &maxContext,
		},
	}
}

type samplingFlags struct {
	maxTokens     int64
	temp          float64
	topK          int64
	topP          float64
	minP          float64
	repeatPenalty float64
	repeatLastN   int64
	n             int64
	seed          uint64
	stop          []string
}

func (f *samplingFlags) flags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "max-tokens",
			Aliases:     []string{"steps", "num-tokens"},
			Usage:       "tokens to generate per candidate",
			Value:       256,
			Destination: &f.maxTokens,
		},
		&cli.Float64Flag{
			Name:        "temp",
			Aliases:     []string{"temperature", "t"},
			Usage:       "sampling temperature (0 = greedy)",
			Destination: &f.temp,
		},
		&cli.Int64Flag{
			Name:        "top-k",
			Aliases:     []string{"top_k", "topk"},
			Usage:       "top-k sampling parameter",
			Destination: &f.topK,
		},
		&cli.Float64Flag{
			Name:        "top-p",
			Aliases:     []string{"top_p", "topp"},
			Usage:       "top_p sampling parameter",
			Destination: &f.topP,
		},
		&cli.Float64Flag{
			Name:        "min-p",
			Aliases:     []string{"min_p", "minp"},
			Usage:       "min_p sampling parameter (0.0 = disabled)",
			Destination: &f.minP,
		},
		&cli.Float64Flag{
			Name:        "repeat-penalty",
			Aliases:     []string{"repeat_penalty"},
			Usage:       "repetition penalty (1.0 = disabled)",
			Destination: &f.repeatPenalty,
		},
		&cli.Int64Flag{
			Name:        "repeat-last-n",
			Aliases:     []string{"repeat_last_n"},
			Usage:       "last n tokens to penalize",
			Value:       64,
			Destination: &f.repeatLastN,
		},
		&cli.Int64Flag{
			Name:        "n",
			Usage:       "number of candidates sharing the prompt",
			Value:       1,
			Destination: &f.n,
		},
		&cli.Uint64Flag{
			Name:        "seed",
			Usage:       "sampling RNG seed",
			Destination: &f.seed,
		},
		&cli.StringSliceFlag{
			Name:        "stop",
			Usage:       "stop string (repeatable)",
			Destination: &f.stop,
		},
	}
}

type serveFlags struct {
	addr        string
	readTimeout time.Duration
}
