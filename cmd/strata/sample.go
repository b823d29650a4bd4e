package main

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/strataml/strata/internal/dist"
	"github.com/strataml/strata/internal/model"
)

func sampleCmd() *cli.Command {
	var (
		idsArg string
		steps  int64
		temp   float64
		topK   int64
		topP   float64
		seed   int64
	)

	flags := append(configFlags(), loggingFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "ids",
			Usage:       "comma-separated prompt token ids",
			Value:       "1,2,3",
			Destination: &idsArg,
		},
		&cli.Int64Flag{
			Name:        "steps",
			Aliases:     []string{"n"},
			Usage:       "number of tokens to sample",
			Value:       16,
			Destination: &steps,
		},
		&cli.Float64Flag{
			Name:        "temp",
			Aliases:     []string{"t"},
			Usage:       "sampling temperature (0 = greedy)",
			Value:       0.8,
			Destination: &temp,
		},
		&cli.Int64Flag{
			Name:        "top-k",
			Aliases:     []string{"k"},
			Usage:       "restrict sampling to the k highest logits",
			Value:       40,
			Destination: &topK,
		},
		&cli.Float64Flag{
			Name:        "top-p",
			Usage:       "nucleus cutoff over the shortlist",
			Value:       1,
			Destination: &topP,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "sampler seed",
			Value:       42,
			Destination: &seed,
		},
	)

	return &cli.Command{
		Name:  "sample",
		Usage: "Sample next tokens from raw token ids",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := buildLogger()

			cfg, err := loadConfig()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load config: %v", err), 1)
			}
			ids, err := parseIDs(idsArg, cfg.VocabSize)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			m, err := model.New(cfg, dist.Local{})
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: build model: %v", err), 1)
			}
			smp := newSampler(samplerOptions{
				Temperature: temp,
				TopK:        int(topK),
				TopP:        topP,
				Seed:        uint64(seed),
			})

			log.Info("sampling", "prompt", len(ids), "steps", steps)
			for i := 0; i < int(steps); i++ {
				window := ids
				if len(window) > cfg.MaxSeqLen {
					window = window[len(window)-cfg.MaxSeqLen:]
				}
				batch := &model.Batch{InputIDs: window, B: 1, S: len(window)}
				logits, _, err := m.Forward(batch, false)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: forward: %v", err), 1)
				}
				next := smp.next(logits.Row(logits.R - 1))
				ids = append(ids, int32(next))
				fmt.Printf("step %3d: %d\n", i+1, next)
			}

			out := make([]string, len(ids))
			for i, id := range ids {
				out[i] = strconv.Itoa(int(id))
			}
			fmt.Println(strings.Join(out, ","))
			return nil
		},
	}
}

func parseIDs(arg string, vocab int) ([]int32, error) {
	parts := strings.Split(arg, ",")
	ids := make([]int32, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("parse token id %q: %w", p, err)
		}
		if n < 0 || n >= vocab {
			return nil, fmt.Errorf("token id %d outside vocabulary of %d", n, vocab)
		}
		ids = append(ids, int32(n))
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no prompt ids given")
	}
	return ids, nil
}

type samplerOptions struct {
	Temperature float64
	TopK        int
	TopP        float64
	Seed        uint64
}

// sampler draws next-token ids from logit rows. Temperature 0 or below
// selects the argmax deterministically.
type sampler struct {
	rng    *rand.Rand
	opts   samplerOptions
	greedy bool
}

func newSampler(opts samplerOptions) *sampler {
	greedy := opts.Temperature <= 0
	if opts.Temperature <= 0 {
		opts.Temperature = 1
	}
	if opts.TopK <= 0 {
		opts.TopK = 40
	}
	if opts.TopP <= 0 || opts.TopP > 1 {
		opts.TopP = 1
	}
	return &sampler{
		rng:    rand.New(rand.NewPCG(opts.Seed, 0)),
		opts:   opts,
		greedy: greedy,
	}
}

func (s *sampler) next(logits []float32) int {
	if s.greedy {
		return argmax(logits)
	}

	k := s.opts.TopK
	if k > len(logits) {
		k = len(logits)
	}
	idx, vals := topLogits(logits, k, 1/float32(s.opts.Temperature))

	maxv := vals[0]
	prob := make([]float64, len(vals))
	var sum float64
	for i, v := range vals {
		e := math.Exp(float64(v - maxv))
		prob[i] = e
		sum += e
	}
	for i := range prob {
		prob[i] /= sum
	}

	cut := len(prob)
	if s.opts.TopP < 1 {
		var c float64
		for i, p := range prob {
			c += p
			if c >= s.opts.TopP {
				cut = i + 1
				break
			}
		}
	}

	r := s.rng.Float64()
	var c float64
	for i := 0; i < cut; i++ {
		c += prob[i]
		if r <= c {
			return idx[i]
		}
	}
	return idx[cut-1]
}

func argmax(x []float32) int {
	best := 0
	for i := 1; i < len(x); i++ {
		if x[i] > x[best] {
			best = i
		}
	}
	return best
}

// topLogits returns the indices and temperature-scaled values of the k
// largest logits, ordered from largest to smallest. O(V*k), fine for the
// small k this command uses.
func topLogits(logits []float32, k int, invTemp float32) ([]int, []float32) {
	idx := make([]int, 0, k+1)
	vals := make([]float32, 0, k+1)
	for i, l := range logits {
		v := l * invTemp
		pos := len(vals)
		for pos > 0 && vals[pos-1] < v {
			pos--
		}
		if pos >= k {
			continue
		}
		idx = append(idx, 0)
		vals = append(vals, 0)
		copy(idx[pos+1:], idx[pos:])
		copy(vals[pos+1:], vals[pos:])
		idx[pos] = i
		vals[pos] = v
		if len(vals) > k {
			idx = idx[:k]
			vals = vals[:k]
		}
	}
	return idx, vals
}
