package main

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"
	"golang.org/x/sys/cpu"

	"github.com/strataml/strata/internal/dist"
	"github.com/strataml/strata/internal/model"
)

func benchCmd() *cli.Command {
	var (
		batchSize  int64
		seqLen     int64
		warmupRuns int64
		benchRuns  int64
		train      bool
	)

	flags := append(configFlags(), loggingFlags()...)
	flags = append(flags,
		&cli.Int64Flag{
			Name:        "batch",
			Aliases:     []string{"b"},
			Usage:       "batch size per forward pass",
			Value:       4,
			Destination: &batchSize,
		},
		&cli.Int64Flag{
			Name:        "seq",
			Aliases:     []string{"s"},
			Usage:       "sequence length (default max_seq_len)",
			Destination: &seqLen,
		},
		&cli.Int64Flag{
			Name:        "warmup",
			Usage:       "number of warmup runs",
			Value:       1,
			Destination: &warmupRuns,
		},
		&cli.Int64Flag{
			Name:        "runs",
			Usage:       "number of timed runs",
			Value:       5,
			Destination: &benchRuns,
		},
		&cli.BoolFlag{
			Name:        "train",
			Usage:       "benchmark the training forward (dropout active)",
			Destination: &train,
		},
	)

	return &cli.Command{
		Name:  "bench",
		Usage: "Measure forward-pass throughput",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := buildLogger()

			cfg, err := loadConfig()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load config: %v", err), 1)
			}
			s := int(seqLen)
			if s <= 0 {
				s = cfg.MaxSeqLen
			}

			buildStart := time.Now()
			m, err := model.New(cfg, dist.Local{})
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: build model: %v", err), 1)
			}
			buildDuration := time.Since(buildStart)

			batch := syntheticBatch(cfg, int(batchSize), s)
			tokens := batch.B * batch.S

			fmt.Println("=== Strata Benchmark ===")
			fmt.Printf("Run:        %s\n", uuid.NewString())
			fmt.Printf("Config:     d_model=%d n_heads=%d n_layers=%d vocab=%d max_seq=%d\n",
				cfg.DModel, cfg.NHeads, cfg.NLayers, cfg.VocabSize, cfg.MaxSeqLen)
			fmt.Printf("Attention:  %s (alibi=%v, precision=%s)\n", cfg.AttnImpl, cfg.Alibi, cfg.Precision)
			fmt.Printf("Params:     %d\n", m.ParamCount())
			fmt.Printf("Fwd FLOPs:  %d\n", m.NumFwdFLOPs())
			fmt.Printf("CPUs:       %d (GOMAXPROCS %d)\n", runtime.NumCPU(), runtime.GOMAXPROCS(0))
			fmt.Printf("Features:   %s\n", cpuFeatures())
			fmt.Printf("Build:      %s\n", buildDuration.Round(time.Microsecond))
			fmt.Printf("Batch:      %d x %d tokens\n", batch.B, batch.S)
			fmt.Printf("Warmup:     %d runs\n", warmupRuns)
			fmt.Printf("Runs:       %d\n", benchRuns)
			fmt.Println()

			for i := 0; i < int(warmupRuns); i++ {
				log.Debug("warmup run", "run", i+1)
				if _, _, err := m.Forward(batch, train); err != nil {
					return cli.Exit(fmt.Sprintf("error: warmup run %d: %v", i+1, err), 1)
				}
			}

			var best, total float64
			for i := 0; i < int(benchRuns); i++ {
				start := time.Now()
				if _, _, err := m.Forward(batch, train); err != nil {
					return cli.Exit(fmt.Sprintf("error: run %d: %v", i+1, err), 1)
				}
				dur := time.Since(start)
				tps := float64(tokens) / dur.Seconds()
				total += tps
				if tps > best {
					best = tps
				}
				fmt.Printf("run %d: %10.1f tok/s  (%s)\n", i+1, tps, dur.Round(time.Microsecond))
			}
			fmt.Println()
			fmt.Printf("mean: %10.1f tok/s\n", total/float64(benchRuns))
			fmt.Printf("best: %10.1f tok/s\n", best)
			return nil
		},
	}
}

// cpuFeatures lists the vector extensions the host reports.
func cpuFeatures() string {
	var have []string
	for _, f := range []struct {
		name string
		ok   bool
	}{
		{"SSE4.2", cpu.X86.HasSSE42},
		{"AVX", cpu.X86.HasAVX},
		{"AVX2", cpu.X86.HasAVX2},
		{"FMA", cpu.X86.HasFMA},
		{"AVX512F", cpu.X86.HasAVX512F},
		{"AVX512VNNI", cpu.X86.HasAVX512VNNI},
		{"NEON", cpu.ARM64.HasASIMD},
	} {
		if f.ok {
			have = append(have, f.name)
		}
	}
	if len(have) == 0 {
		return "none detected"
	}
	return strings.Join(have, " ")
}
