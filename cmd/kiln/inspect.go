package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kiln/internal/model"
	"github.com/samcharles93/kiln/internal/safetensors"
)

type inspectReport struct {
	Dir     string                   `json:"dir"`
	Files   []string                 `json:"files"`
	Config  model.Config             `json:"config"`
	Tensors []safetensors.TensorInfo `json:"tensors"`
	Bytes   int64                    `json:"bytes"`
}

func inspectCmd() *cli.Command {
	var (
		dir         string
		asJSON      bool
		tensorLimit int
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Print a model's config and tensor table",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "model",
				Aliases:     []string{"m"},
				Usage:       "model directory",
				Required:    true,
				Destination: &dir,
			},
			&cli.BoolFlag{Name: "json", Usage: "print the report as JSON", Destination: &asJSON},
			&cli.IntFlag{Name: "tensors-limit", Usage: "limit tensor listing (0 = no limit)", Value: 50, Destination: &tensorLimit},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			rep, err := buildInspectReport(dir)
			if err != nil {
				return err
			}
			out := cmd.Root().Writer
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(rep)
			}
			return printInspectReport(out, rep, tensorLimit)
		},
	}
}

func buildInspectReport(dir string) (inspectReport, error) {
	cfg, err := model.LoadConfig(filepath.Join(dir, "config.json"))
	if err != nil {
		return inspectReport{}, err
	}
	set, err := safetensors.OpenDir(dir)
	if err != nil {
		return inspectReport{}, err
	}
	defer func() { _ = set.Close() }()

	rep := inspectReport{Dir: dir, Config: cfg}
	for _, f := range set.Files() {
		rep.Files = append(rep.Files, filepath.Base(f))
	}
	for _, name := range set.Names() {
		info, _ := set.Tensor(name)
		rep.Tensors = append(rep.Tensors, info)
		rep.Bytes += info.End - info.Start
	}
	return rep, nil
}

func printInspectReport(w io.Writer, rep inspectReport, limit int) error {
	cfg := rep.Config
	_, _ = fmt.Fprintf(w, "Model: %s (%s)\n", rep.Dir, cfg.ModelType)
	_, _ = fmt.Fprintf(w, "Files: %s\n", strings.Join(rep.Files, ", "))
	_, _ = fmt.Fprintf(w, "Layers: %d  hidden: %d  ffn: %d  vocab: %d\n",
		cfg.NumLayers, cfg.HiddenSize, cfg.IntermediateSize, cfg.VocabSize)
	_, _ = fmt.Fprintf(w, "Heads: %d  kv heads: %d  head dim: %d  max position: %d\n",
		cfg.NumHeads, cfg.NumKVHeads, cfg.HeadDim, cfg.MaxPosition)
	_, _ = fmt.Fprintf(w, "RoPE theta: %g", cfg.RopeTheta)
	if rs := cfg.RopeScaling; rs != nil {
		typ := rs.RopeType
		if typ == "" {
			typ = rs.Type
		}
		_, _ = fmt.Fprintf(w, "  scaling: %s x%g", typ, rs.Factor)
	}
	_, _ = fmt.Fprintf(w, "\nTied embeddings: %v  attention bias: %v  eos: %v\n",
		cfg.TieWordEmbeddings, cfg.AttentionBias, cfg.EOS())
	_, _ = fmt.Fprintf(w, "Tensors: %d (%s)\n\n", len(rep.Tensors), formatBytes(rep.Bytes))

	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"Name", "DType", "Shape", "Size"})
	tw.SetColumnConfigs([]table.ColumnConfig{{Name: "Size", Align: text.AlignRight}})
	shown := 0
	for _, t := range rep.Tensors {
		if limit > 0 && shown >= limit {
			break
		}
		tw.AppendRow(table.Row{t.Name, t.DType, fmt.Sprint(t.Shape), formatBytes(t.End - t.Start)})
		shown++
	}
	if _, err := fmt.Fprintln(w, tw.Render()); err != nil {
		return err
	}
	if shown < len(rep.Tensors) {
		_, _ = fmt.Fprintf(w, "... (%d shown of %d)\n", shown, len(rep.Tensors))
	}
	return nil
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
