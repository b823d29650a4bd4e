package main

import (
	"context"
	"fmt"

	gojson "github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/strataml/strata/internal/dist"
	"github.com/strataml/strata/internal/model"
)

type weightReport struct {
	Name  string  `json:"name"`
	Count int     `json:"count"`
	Mean  float64 `json:"mean"`
	Std   float64 `json:"std"`
}

type describeReport struct {
	DModel    int    `json:"d_model"`
	NHeads    int    `json:"n_heads"`
	NLayers   int    `json:"n_layers"`
	VocabSize int    `json:"vocab_size"`
	MaxSeqLen int    `json:"max_seq_len"`
	AttnImpl  string `json:"attn_impl"`
	Alibi     bool   `json:"alibi"`
	Precision string `json:"precision"`
	Experts   []int  `json:"experts_per_layer"`

	ParamCount  int64 `json:"param_count"`
	NumFwdFLOPs int64 `json:"num_fwd_flops"`

	Weights []weightReport `json:"weights,omitempty"`
}

func describeCmd() *cli.Command {
	var (
		asJSON      bool
		showWeights bool
	)

	flags := append(configFlags(), loggingFlags()...)
	flags = append(flags,
		&cli.BoolFlag{
			Name:        "json",
			Usage:       "emit the report as JSON",
			Destination: &asJSON,
		},
		&cli.BoolFlag{
			Name:        "weights",
			Usage:       "include per-tensor weight statistics",
			Destination: &showWeights,
		},
	)

	return &cli.Command{
		Name:  "describe",
		Usage: "Print architecture, parameter counts and FLOPs for a configuration",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := buildLogger()

			cfg, err := loadConfig()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load config: %v", err), 1)
			}
			m, err := model.New(cfg, dist.Local{})
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: build model: %v", err), 1)
			}
			log.Debug("model built", "params", m.ParamCount())

			report := describeReport{
				DModel:      cfg.DModel,
				NHeads:      cfg.NHeads,
				NLayers:     cfg.NLayers,
				VocabSize:   cfg.VocabSize,
				MaxSeqLen:   cfg.MaxSeqLen,
				AttnImpl:    cfg.AttnImpl,
				Alibi:       cfg.Alibi,
				Precision:   cfg.Precision,
				Experts:     make([]int, cfg.NLayers),
				ParamCount:  m.ParamCount(),
				NumFwdFLOPs: m.NumFwdFLOPs(),
			}
			for l := 0; l < cfg.NLayers; l++ {
				report.Experts[l] = cfg.ExpertsAt(l)
			}
			if showWeights {
				for _, ws := range m.WeightStats() {
					report.Weights = append(report.Weights, weightReport{
						Name:  ws.Name,
						Count: ws.Count,
						Mean:  ws.Mean,
						Std:   ws.Std,
					})
				}
			}

			if asJSON {
				out, err := gojson.MarshalIndent(report, "", "  ")
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: encode report: %v", err), 1)
				}
				fmt.Println(string(out))
				return nil
			}

			fmt.Printf("d_model:      %d\n", report.DModel)
			fmt.Printf("n_heads:      %d\n", report.NHeads)
			fmt.Printf("n_layers:     %d\n", report.NLayers)
			fmt.Printf("vocab_size:   %d\n", report.VocabSize)
			fmt.Printf("max_seq_len:  %d\n", report.MaxSeqLen)
			fmt.Printf("attn_impl:    %s\n", report.AttnImpl)
			fmt.Printf("alibi:        %v\n", report.Alibi)
			fmt.Printf("precision:    %s\n", report.Precision)
			fmt.Printf("experts:      %v\n", report.Experts)
			fmt.Printf("params:       %d\n", report.ParamCount)
			fmt.Printf("fwd flops:    %d\n", report.NumFwdFLOPs)
			if showWeights {
				fmt.Println()
				fmt.Printf("%-36s %10s %12s %12s\n", "tensor", "count", "mean", "std")
				for _, w := range report.Weights {
					fmt.Printf("%-36s %10d %12.6f %12.6f\n", w.Name, w.Count, w.Mean, w.Std)
				}
			}
			return nil
		},
	}
}
