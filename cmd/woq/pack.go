package main

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/woq/internal/logger"
	"github.com/samcharles93/woq/internal/quant"
	"github.com/samcharles93/woq/internal/safetensors"
	"github.com/samcharles93/woq/internal/store"
	"github.com/samcharles93/woq/internal/tensor"
	"github.com/samcharles93/woq/internal/woq"
)

func packCmd() *cli.Command {
	return &cli.Command{
		Name:  "pack",
		Usage: "Quantize a [N, K] safetensors weight and pack it into a .wqf file",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "input",
				Aliases:  []string{"in"},
				Usage:    "safetensors file holding the weight",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "tensor",
				Aliases:  []string{"t"},
				Usage:    "weight tensor name, e.g. model.layers.0.mlp.up_proj.weight",
				Required: true,
			},
			&cli.StringFlag{Name: "bias", Usage: "optional bias tensor name"},
			&cli.StringFlag{Name: "name", Usage: "layer name (default: tensor name without .weight)"},
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"out"},
				Usage:   "output .wqf path (default: $" + envWoqPackOutDir + "/<name>.wqf or ./out/<name>.wqf)",
			},
			&cli.StringFlag{Name: "qtype", Usage: "weight code type: int8|int4|nf4", Value: "int4"},
			&cli.IntFlag{Name: "group-size", Usage: "K group size for per-K-block scales (0 = per channel)"},
			&cli.BoolFlag{Name: "sym", Usage: "symmetric weights (no zero points)"},
			&cli.IntFlag{Name: "block-n", Usage: "N block size (0 = auto)"},
			&cli.IntFlag{Name: "block-k", Usage: "K block size (0 = auto)"},
			&cli.StringFlag{Name: "lowp", Usage: "compute layout to pack for: none|int8", Value: "none"},
			&cli.BoolFlag{Name: "plain", Usage: "store codes unblocked (always dequantized upfront)"},
			&cli.IntFlag{Name: "workers", Usage: "worker goroutines (0 = GOMAXPROCS)"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)

			qtype, err := quant.ParseQType(cmd.String("qtype"))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			lowp, err := woq.ParseLowpMode(cmd.String("lowp"))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			st, err := safetensors.Open(cmd.String("input"))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: open safetensors: %v", err), 1)
			}
			tensorName := cmd.String("tensor")
			w, err := st.ReadMatrix(tensorName)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: read weight: %v", err), 1)
			}
			n, k := w.R, w.C

			name := cmd.String("name")
			if name == "" {
				name = layerName(tensorName)
			}
			outPath, defaulted, err := resolvePackOut(name, cmd.String("output"))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: resolve output: %v", err), 1)
			}
			if defaulted {
				log.Info("no output path given", "output", outPath)
			}

			group := cmd.Int("group-size")
			if group == 0 {
				group = k
			}
			start := time.Now()
			q, err := quant.QuantizeWeight(w.Data, n, k, qtype, group, cmd.Bool("sym"))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: quantize: %v", err), 1)
			}

			pool := tensor.NewPool(cmd.Int("workers"))
			defer pool.Close()
			var packed *woq.PackedWeight
			if cmd.Bool("plain") {
				packed, err = woq.NewPlainWeight(q.Codes, qtype, n, k)
			} else {
				opt := woq.PackOptions{Lowp: lowp}
				if opt.BlockN, err = pickBlock(cmd.Int("block-n"), n); err != nil {
					return cli.Exit(fmt.Sprintf("error: block-n: %v", err), 1)
				}
				if opt.BlockK, err = pickBlock(cmd.Int("block-k"), k); err != nil {
					return cli.Exit(fmt.Sprintf("error: block-k: %v", err), 1)
				}
				packed, err = woq.Pack(pool, q.Codes, qtype, n, k, opt)
			}
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: pack: %v", err), 1)
			}

			layer := &store.Layer{
				Name:   name,
				Source: cmd.String("input") + ":" + tensorName,
				Weight: packed,
				Params: woq.ParamsFromWeight(q),
			}
			if biasName := cmd.String("bias"); biasName != "" {
				if layer.Bias, err = st.ReadVector(biasName); err != nil {
					return cli.Exit(fmt.Sprintf("error: read bias: %v", err), 1)
				}
			}
			if err := store.Save(outPath, layer); err != nil {
				return cli.Exit(fmt.Sprintf("error: save: %v", err), 1)
			}

			log.Info("packed layer",
				"name", name,
				"qtype", qtype.String(),
				"n", n,
				"k", k,
				"block_n", packed.BlockN,
				"block_k", packed.BlockK,
				"lowp", packed.Lowp.String(),
				"bytes", len(packed.Data),
				"elapsed", time.Since(start),
				"output", outPath,
			)
			return nil
		},
	}
}
