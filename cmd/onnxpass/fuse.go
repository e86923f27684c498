package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"

	"github.com/onnxpass/onnxpass/internal/fusion"
	"github.com/onnxpass/onnxpass/internal/graph"
	"github.com/onnxpass/onnxpass/internal/onnx"
)

func fuseCmd() *cli.Command {
	var (
		input       string
		output      string
		pivotOpType string
	)

	return &cli.Command{
		Name:  "fuse",
		Usage: "Fuse SplitGelu subgraphs into single contrib nodes",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "input",
				Aliases:     []string{"i"},
				Usage:       "input .onnx model path",
				Required:    true,
				Destination: &input,
			},
			&cli.StringFlag{
				Name:        "output",
				Aliases:     []string{"o"},
				Usage:       "fused .onnx model path",
				Required:    true,
				Destination: &output,
			},
			&cli.StringFlag{
				Name:        "op",
				Usage:       "pivot operator type anchoring the pattern search",
				Value:       "Gelu",
				Destination: &pivotOpType,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			proto, err := onnx.ParseFile(input)
			if err != nil {
				return fmt.Errorf("load %s: %w", input, err)
			}

			fused := fusion.Fuse(graph.NewModel(proto), pivotOpType)
			if fused == 0 {
				logrus.Info("no fusable subgraph found")
			}

			if err := onnx.WriteFile(proto, output); err != nil {
				return fmt.Errorf("save %s: %w", output, err)
			}

			logrus.Infof("wrote %s", output)
			return nil
		},
	}
}
