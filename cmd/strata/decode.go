package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/stratakv/strata/internal/engine"
	"github.com/stratakv/strata/internal/toy"
)

func decodeCmd() *cli.Command {
	var (
		prompt   string
		steps    int64
		batch    int64
		showToks bool
	)

	flags := append(cacheFlags(), modelFlags()...)
	flags = append(flags, loggingFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "prompt",
			Usage:       "comma-separated prompt token ids",
			Value:       "1,2,3,4",
			Destination: &prompt,
		},
		&cli.Int64Flag{
			Name:        "steps",
			Aliases:     []string{"n"},
			Usage:       "decode steps per sequence",
			Value:       64,
			Destination: &steps,
		},
		&cli.Int64Flag{
			Name:        "batch",
			Aliases:     []string{"b"},
			Usage:       "concurrent sequences to decode",
			Value:       1,
			Destination: &batch,
		},
		&cli.BoolFlag{
			Name:        "show-tokens",
			Usage:       "print generated token ids",
			Destination: &showToks,
		},
	)

	return &cli.Command{
		Name:  "decode",
		Usage: "Run an offline batched greedy decode",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyEngineConfig(cmd, LoadConfig())
			log := newLogger()

			promptToks, err := parseTokens(prompt)
			if err != nil {
				return err
			}

			eng, err := engine.New(engineConfig(), log)
			if err != nil {
				return err
			}
			decoder := toy.NewDecoder(int(vocab), int(numHeads), int(kvHeads), int(headDim), seed)

			seqs := make([]int, batch)
			last := make([]int, batch)
			streams := make([][]int, batch)
			for i := range seqs {
				if seqs[i], err = eng.NewSequence(); err != nil {
					return err
				}
			}

			start := time.Now()
			for i, seq := range seqs {
				q, k, v := decoder.Project(promptToks)
				res, err := eng.Step([]engine.Update{{SeqID: seq, Queries: q, Keys: k, Values: v}})
				if err != nil {
					return fmt.Errorf("prefill sequence %d: %w", seq, err)
				}
				last[i] = decoder.Readout(res.Last[0])
			}
			prefillDone := time.Now()

			for step := int64(0); step < steps; step++ {
				updates := make([]engine.Update, len(seqs))
				for i, seq := range seqs {
					q, k, v := decoder.Project([]int{last[i]})
					updates[i] = engine.Update{SeqID: seq, Queries: q, Keys: k, Values: v}
				}
				res, err := eng.Step(updates)
				if err != nil {
					return fmt.Errorf("decode step %d: %w", step, err)
				}
				for i := range seqs {
					last[i] = decoder.Readout(res.Last[i])
					streams[i] = append(streams[i], last[i])
				}
			}
			elapsed := time.Since(prefillDone)

			if showToks {
				for i, toks := range streams {
					fmt.Printf("seq %d: %v\n", seqs[i], toks)
				}
			}

			st := eng.Stats()
			total := steps * batch
			fmt.Printf("prefill: %d tokens x %d seqs in %v\n",
				len(promptToks), batch, prefillDone.Sub(start).Round(time.Microsecond))
			fmt.Printf("decode:  %d tokens in %v (%.1f tok/s)\n",
				total, elapsed.Round(time.Microsecond),
				float64(total)/elapsed.Seconds())
			fmt.Printf("cache:   %d/%d pages used\n", st.NumPages-st.FreePages, st.NumPages)
			return nil
		},
	}
}

func parseTokens(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	toks := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		tok, err := strconv.Atoi(p)
		if err != nil || tok < 0 {
			return nil, fmt.Errorf("invalid prompt token %q", p)
		}
		toks = append(toks, tok)
	}
	if len(toks) == 0 {
		return nil, fmt.Errorf("prompt must contain at least one token")
	}
	return toks, nil
}
