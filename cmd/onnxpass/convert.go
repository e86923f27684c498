package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"

	"github.com/onnxpass/onnxpass/internal/convert"
	"github.com/onnxpass/onnxpass/internal/onnx"
	"github.com/onnxpass/onnxpass/internal/shape"
)

func convertCmd() *cli.Command {
	var (
		input            string
		output           string
		allowList        []string
		keepIOTypes      bool
		useExternalData  bool
		noShapeInference bool
	)

	return &cli.Command{
		Name:  "convert",
		Usage: "Downcast float32 tensors to float16 along the operator allow list",
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
				Usage:       "converted .onnx model path",
				Required:    true,
				Destination: &output,
			},
			&cli.StringSliceFlag{
				Name:        "allow-list",
				Usage:       "operators whose tensors may convert to fp16 (default: Conv, MatMul)",
				Destination: &allowList,
			},
			&cli.BoolFlag{
				Name:        "keep-io-types",
				Usage:       "keep graph input and output types as float32",
				Destination: &keepIOTypes,
			},
			&cli.BoolFlag{
				Name:        "use-external-data",
				Usage:       "store large tensors in a sidecar file (models >2GB)",
				Destination: &useExternalData,
			},
			&cli.BoolFlag{
				Name:        "no-shape-inference",
				Usage:       "skip the type inference pre-pass",
				Destination: &noShapeInference,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if !cmd.IsSet("allow-list") {
				if cfg := loadConfig(); len(cfg.AllowList) > 0 {
					allowList = cfg.AllowList
				}
			}

			model, err := onnx.ParseFile(input)
			if err != nil {
				return fmt.Errorf("load %s: %w", input, err)
			}

			conv := &convert.Converter{
				AllowList:             allowList,
				KeepIOTypes:           keepIOTypes,
				DisableShapeInference: noShapeInference,
				Inferrer:              shape.ElemTypeInferrer{},
			}
			if err := conv.Convert(model); err != nil {
				return fmt.Errorf("convert %s: %w", input, err)
			}

			if useExternalData {
				err = onnx.WriteFileExternal(model, output)
			} else {
				err = onnx.WriteFile(model, output)
			}
			if err != nil {
				return fmt.Errorf("save %s: %w", output, err)
			}

			logrus.Infof("wrote %s", output)
			return nil
		},
	}
}
