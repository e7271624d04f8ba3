package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kiln/internal/logger"
	"github.com/samcharles93/kiln/internal/model"
	"github.com/samcharles93/kiln/internal/safetensors"
	"github.com/samcharles93/kiln/internal/tensor"
	"github.com/samcharles93/kiln/internal/tokenizer"
)

func quantizeCmd() *cli.Command {
	var (
		inDir      string
		outDir     string
		dtypeName  string
		blockSize  int64
		embeddings bool
	)

	return &cli.Command{
		Name:  "quantize",
		Usage: "Rewrite a model's projection weights as Q8, Q4, F16 or BF16",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "model",
				Aliases:     []string{"m", "in"},
				Usage:       "input model directory",
				Required:    true,
				Destination: &inDir,
			},
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "output directory (default <model>-<dtype>)",
				Destination: &outDir,
			},
			&cli.StringFlag{
				Name:        "dtype",
				Usage:       "target format (Q8, Q4, F16, BF16, F32)",
				Value:       "Q8",
				Destination: &dtypeName,
			},
			&cli.Int64Flag{
				Name:        "block-size",
				Usage:       "quantization block length (0 = largest default-sized block dividing every row)",
				Destination: &blockSize,
			},
			&cli.BoolFlag{
				Name:        "embeddings",
				Usage:       "also convert the token embeddings and output head",
				Destination: &embeddings,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)

			dt, err := tensor.ParseDType(dtypeName)
			if err != nil {
				return err
			}
			out, err := resolveQuantizeOut(inDir, outDir, dt)
			if err != nil {
				return err
			}

			start := time.Now()
			w, err := model.Load(inDir)
			if err != nil {
				return err
			}
			defer func() { _ = w.Close() }()

			block := int(blockSize)
			if dt.Quantized() && block == 0 {
				if block, err = pickBlockSize(w.Config, dt, embeddings); err != nil {
					return err
				}
			}
			converted, err := w.Convert(dt, block, embeddings)
			if err != nil {
				return fmt.Errorf("quantize: %w", err)
			}
			if err := ctx.Err(); err != nil {
				return err
			}

			meta := map[string]string{
				"format":     "pt",
				"kiln.dtype": dt.String(),
			}
			if dt.Quantized() {
				meta["kiln.block_size"] = strconv.Itoa(block)
			}
			dst := filepath.Join(out, "model.safetensors")
			if err := safetensors.WriteFile(dst, converted.Tensors(), meta); err != nil {
				return err
			}
			if err := copyModelFiles(inDir, out); err != nil {
				return err
			}

			log.Info("quantized model",
				"out", dst,
				"dtype", dt.String(),
				"block", block,
				"bytes_before", w.Bytes(),
				"bytes_after", converted.Bytes(),
				"elapsed", time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
}

// pickBlockSize returns the largest block no bigger than the default for
// dt that divides the row length of every converted matrix.
func pickBlockSize(cfg model.Config, dt tensor.DType, embeddings bool) (int, error) {
	def := tensor.DefaultQ8Block
	if dt == tensor.Q4 {
		def = tensor.DefaultQ4Block
	}
	cols := []int{cfg.HiddenSize, cfg.QDim(), cfg.IntermediateSize}
	if embeddings {
		cols = append(cols, cfg.HiddenSize)
	}
	for b := def; b >= 2; b /= 2 {
		if slices.ContainsFunc(cols, func(c int) bool { return c%b != 0 }) {
			continue
		}
		return b, nil
	}
	return 0, fmt.Errorf("no %s block size divides rows of %v", dt, cols)
}

// copyModelFiles copies config.json and any tokenizer files present in src.
func copyModelFiles(src, dst string) error {
	for _, name := range append([]string{"config.json"}, tokenizer.Files...) {
		err := copyFile(filepath.Join(src, name), filepath.Join(dst, name))
		if errors.Is(err, os.ErrNotExist) && name != "config.json" {
			continue
		}
		if err != nil {
			return fmt.Errorf("copy %s: %w", name, err)
		}
	}
	return nil
}

func copyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, out.Close()) }()
	_, err = io.Copy(out, in)
	return err
}
