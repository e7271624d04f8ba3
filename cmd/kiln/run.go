package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kiln/internal/errs"
	"github.com/samcharles93/kiln/internal/inference"
	"github.com/samcharles93/kiln/internal/logger"
)

func runCmd() *cli.Command {
	var (
		prompt     string
		echoPrompt bool
		showTokens bool
		sampling   samplingFlags
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Generate a completion for a prompt and stream it to stdout",
		Flags: slices.Concat(commonModelFlags(), sampling.flags(), []cli.Flag{
			&cli.StringFlag{
				Name:        "prompt",
				Aliases:     []string{"p"},
				Usage:       "prompt text (reads stdin when empty)",
				Destination: &prompt,
			},
			&cli.BoolFlag{
				Name:        "echo-prompt",
				Usage:       "print prompt text before generation",
				Destination: &echoPrompt,
			},
			&cli.BoolFlag{
				Name:        "show-tokens",
				Usage:       "print prompt token ids to stderr",
				Destination: &showTokens,
			},
		}),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			cfg := configFromContext(ctx)
			applyModelConfig(cmd, cfg)

			if prompt == "" {
				b, err := io.ReadAll(os.Stdin)
				if err != nil {
					return fmt.Errorf("read prompt: %w", err)
				}
				prompt = strings.TrimRight(string(b), "\n")
			}
			if prompt == "" {
				return errors.New("run: --prompt is required")
			}

			res, err := loadModel(ctx, log)
			if err != nil {
				return err
			}
			defer func() { _ = res.Close() }()

			ids, err := res.Tokenizer.Encode(prompt)
			if err != nil {
				return fmt.Errorf("encode prompt: %w", err)
			}
			if showTokens {
				_, _ = fmt.Fprintf(os.Stderr, "prompt tokens (%d): %v\n", len(ids), ids)
			}

			ctrl := inference.NewController(res.Executor, res.Tokenizer, inference.Options{
				MaxSessions: 1,
				StopTokens:  res.StopTokens,
				Logger:      log,
			})
			defer func() { _ = ctrl.Close() }()

			req := inference.Request{
				Prompt:      ids,
				Sampling:    inference.ResolveSampling(sampling.samplingOptions(cmd, cfg), res.GenerationDefaults),
				MaxTokens:   sampling.maxTokensFor(cmd, cfg),
				StopStrings: sampling.stop,
			}

			out := cmd.Root().Writer
			if echoPrompt {
				_, _ = fmt.Fprint(out, prompt)
			}
			return generate(ctx, ctrl, req, out, os.Stderr)
		},
	}
}

// generate streams candidate 0 to out as it decodes. Extra candidates are
// printed once generation finishes.
func generate(ctx context.Context, ctrl *inference.Controller, req inference.Request, out, stats io.Writer) error {
	result, err := ctrl.Generate(ctx, req, func(r inference.StepResult) {
		if r.Candidate == 0 && r.Text != "" {
			_, _ = io.WriteString(out, r.Text)
		}
	})
	if err != nil {
		if errors.Is(err, errs.ErrCancelled) {
			_, _ = fmt.Fprintln(out)
			_, _ = fmt.Fprintln(stats, "generation cancelled")
			return nil
		}
		return err
	}
	_, _ = fmt.Fprintln(out)
	for _, cand := range result.Candidates[1:] {
		_, _ = fmt.Fprintf(out, "--- candidate %d (%s)\n%s\n", cand.Index, cand.FinishReason, cand.Text)
	}

	st := result.Stats
	_, _ = fmt.Fprintf(stats, "prompt: %d tokens in %s | generated: %d tokens in %s (%.2f tok/s) | finish: %s\n",
		st.PromptTokens, st.Prefill.Round(time.Millisecond), st.GeneratedTokens, st.Decode.Round(time.Millisecond), st.TPS,
		result.Candidates[0].FinishReason)
	return nil
}

func loadModel(ctx context.Context, log logger.Logger) (*inference.LoadResult, error) {
	dir, err := resolveModelDir(modelPath, modelsPath, os.Stdin, os.Stderr)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	modelPath = dir
	return inference.Loader{
		MaxContext: int(maxContext),
		Logger:     log,
	}.Load(dir)
}
