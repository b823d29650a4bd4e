package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"github.com/strataml/strata/internal/config"
	"github.com/strataml/strata/internal/dist"
	"github.com/strataml/strata/internal/model"
	"github.com/strataml/strata/internal/moe"
)

func routeCmd() *cli.Command {
	var (
		shards    int64
		batchSize int64
		seqLen    int64
	)

	flags := append(configFlags(), loggingFlags()...)
	flags = append(flags,
		&cli.Int64Flag{
			Name:        "shards",
			Usage:       "expert shard count (runs the in-process fabric when > 1)",
			Value:       1,
			Destination: &shards,
		},
		&cli.Int64Flag{
			Name:        "batch",
			Aliases:     []string{"b"},
			Usage:       "synthetic batch size",
			Value:       2,
			Destination: &batchSize,
		},
		&cli.Int64Flag{
			Name:        "seq",
			Aliases:     []string{"s"},
			Usage:       "synthetic sequence length (default max_seq_len)",
			Destination: &seqLen,
		},
	)

	return &cli.Command{
		Name:  "route",
		Usage: "Forward a synthetic batch and print per-expert routing",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := buildLogger()

			cfg, err := loadConfig()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load config: %v", err), 1)
			}
			if shards < 1 {
				return cli.Exit("error: --shards must be at least 1", 1)
			}
			s := int(seqLen)
			if s <= 0 {
				s = cfg.MaxSeqLen
			}
			batch := syntheticBatch(cfg, int(batchSize), s)

			var (
				reporter *model.GPT
				aux      []float32
			)
			if shards == 1 {
				m, err := model.New(cfg, dist.Local{})
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: build model: %v", err), 1)
				}
				if _, aux, err = m.Forward(batch, false); err != nil {
					return cli.Exit(fmt.Sprintf("error: forward: %v", err), 1)
				}
				reporter = m
			} else {
				log.Info("starting fabric", "shards", shards)
				fab := dist.NewFabric(int(shards))
				models := make([]*model.GPT, fab.Size())
				auxes := make([][]float32, fab.Size())
				var eg errgroup.Group
				for r := 0; r < fab.Size(); r++ {
					eg.Go(func() error {
						m, err := model.New(cfg, fab.Runtime(r))
						if err != nil {
							return fmt.Errorf("rank %d: %w", r, err)
						}
						models[r] = m
						_, a, err := m.Forward(batch, false)
						if err != nil {
							return fmt.Errorf("rank %d forward: %w", r, err)
						}
						auxes[r] = a
						return nil
					})
				}
				if err := eg.Wait(); err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				reporter = models[0]
				aux = auxes[0]
				for r, m := range models {
					layers := m.ExpertLayers()
					if len(layers) == 0 {
						break
					}
					bank := layers[0].Experts()
					fmt.Printf("rank %d: experts [%d,%d)\n", r, bank.Lo, bank.Hi)
				}
			}

			layers := reporter.ExpertLayers()
			if len(layers) == 0 {
				fmt.Println("configuration has no expert layers")
				return nil
			}
			fmt.Printf("batch: %d x %d tokens, gate_k=%d, capacity_factor=%g\n\n",
				batch.B, batch.S, cfg.MoE.GateK, cfg.MoE.CapacityFactor)
			for i, layer := range layers {
				printRouting(i, layer.LastDecision(), aux)
			}
			return nil
		},
	}
}

// syntheticBatch fills a batch with seeded uniform token ids.
func syntheticBatch(cfg *config.Config, b, s int) *model.Batch {
	rng := rand.New(rand.NewPCG(cfg.Seed, 0))
	ids := make([]int32, b*s)
	for i := range ids {
		ids[i] = int32(rng.IntN(cfg.VocabSize))
	}
	return &model.Batch{InputIDs: ids, Labels: ids, B: b, S: s}
}

func printRouting(i int, d *moe.Decision, aux []float32) {
	dropped := 0
	for _, v := range d.Dropped {
		if v {
			dropped++
		}
	}
	fmt.Printf("expert layer %d: experts=%d capacity=%d dropped=%d/%d slots aux=%.4f\n",
		i, len(d.Assigned), d.Capacity, dropped, len(d.Dropped), aux[i])

	maxAssigned := 0
	load := make([]float64, len(d.Assigned))
	for e, n := range d.Assigned {
		load[e] = float64(n)
		if n > maxAssigned {
			maxAssigned = n
		}
	}
	for e := range d.Assigned {
		bar := ""
		if maxAssigned > 0 {
			bar = strings.Repeat("#", d.Assigned[e]*40/maxAssigned)
		}
		fmt.Printf("  expert %2d: assigned %4d processed %4d %s\n",
			e, d.Assigned[e], d.Processed[e], bar)
	}
	fmt.Printf("  load mean %.1f std %.2f\n\n", stat.Mean(load, nil), stat.StdDev(load, nil))
}
