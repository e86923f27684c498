package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"
)

const version = "v0.1.0"

func versionCmd() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			fmt.Printf("onnxpass %s\n", version)
			return nil
		},
	}
}
