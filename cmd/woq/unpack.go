package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/woq/internal/logger"
	"github.com/samcharles93/woq/internal/safetensors"
	"github.com/samcharles93/woq/internal/store"
	"github.com/samcharles93/woq/internal/tensor"
	"github.com/samcharles93/woq/internal/woq"
)

func unpackCmd() *cli.Command {
	return &cli.Command{
		Name:  "unpack",
		Usage: "Dequantize a .wqf layer back into an F32 safetensors file",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "input",
				Aliases:  []string{"in"},
				Usage:    "path to .wqf file",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "output",
				Aliases:  []string{"out"},
				Usage:    "output .safetensors path",
				Required: true,
			},
			&cli.StringFlag{Name: "codes", Usage: "also write the plain [N, K] codes to this path"},
			&cli.IntFlag{Name: "workers", Usage: "worker goroutines (0 = GOMAXPROCS)"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)

			f, err := store.Open(cmd.String("input"))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: open: %v", err), 1)
			}
			defer func() { _ = f.Close() }()
			l := f.Layer()
			pool := tensor.NewPool(cmd.Int("workers"))
			defer pool.Close()

			wt, err := woq.DequantizeAll(pool, l.Weight, &l.Params)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: dequantize: %v", err), 1)
			}
			n, k := l.Weight.N, l.Weight.K
			w := make([]float32, n*k)
			pool.For(n, func(j int) {
				for kk := range k {
					w[j*k+kk] = wt.Data[kk*wt.Stride+j]
				}
			})

			prefix := l.Name
			if prefix == "" {
				prefix = "layer"
			}
			tensors := map[string]safetensors.Tensor{
				prefix + ".weight": {Shape: []int{n, k}, Data: w},
			}
			if l.Bias != nil {
				tensors[prefix+".bias"] = safetensors.Tensor{Shape: []int{n}, Data: l.Bias}
			}
			meta := map[string]string{
				"pack_id": l.Weight.ID.String(),
				"qtype":   l.Weight.QType.String(),
			}
			if err := safetensors.WriteF32(cmd.String("output"), tensors, meta); err != nil {
				return cli.Exit(fmt.Sprintf("error: write safetensors: %v", err), 1)
			}

			if codesPath := strings.TrimSpace(cmd.String("codes")); codesPath != "" {
				codes, err := woq.Unpack(pool, l.Weight)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: unpack codes: %v", err), 1)
				}
				if err := os.WriteFile(codesPath, codes, 0o644); err != nil {
					return cli.Exit(fmt.Sprintf("error: write codes: %v", err), 1)
				}
			}

			log.Info("unpacked layer", "name", l.Name, "n", n, "k", k, "output", cmd.String("output"))
			return nil
		},
	}
}
