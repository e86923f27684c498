package main

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/onnxpass/onnxpass/internal/graph"
	"github.com/onnxpass/onnxpass/internal/onnx"
)

// modelSummary is the inspect output, sized for both the human and the
// JSON rendering.
type modelSummary struct {
	IRVersion    int64          `json:"ir_version"`
	OpsetVersion int64          `json:"opset_version"`
	Producer     string         `json:"producer"`
	GraphName    string         `json:"graph_name"`
	Inputs       []string       `json:"inputs"`
	Outputs      []string       `json:"outputs"`
	Initializers int            `json:"initializers"`
	NodeCount    int            `json:"node_count"`
	SubGraphs    int            `json:"sub_graphs"`
	OpHistogram  map[string]int `json:"op_histogram"`
}

func inspectCmd() *cli.Command {
	var (
		input  string
		asJSON bool
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Summarize an ONNX model",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "input",
				Aliases:     []string{"i"},
				Usage:       "input .onnx model path",
				Required:    true,
				Destination: &input,
			},
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "emit the summary as JSON",
				Destination: &asJSON,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			proto, err := onnx.ParseFile(input)
			if err != nil {
				return fmt.Errorf("load %s: %w", input, err)
			}
			summary := summarize(proto)

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(summary)
			}

			fmt.Printf("%s (ir %d, opset %d, producer %q)\n",
				summary.GraphName, summary.IRVersion, summary.OpsetVersion, summary.Producer)
			fmt.Printf("inputs:  %v\n", summary.Inputs)
			fmt.Printf("outputs: %v\n", summary.Outputs)
			fmt.Printf("%d node(s), %d initializer(s), %d sub-graph(s)\n",
				summary.NodeCount, summary.Initializers, summary.SubGraphs)

			ops := make([]string, 0, len(summary.OpHistogram))
			for op := range summary.OpHistogram {
				ops = append(ops, op)
			}
			sort.Strings(ops)
			for _, op := range ops {
				fmt.Printf("  %-24s %d\n", op, summary.OpHistogram[op])
			}
			return nil
		},
	}
}

func summarize(proto *onnx.ModelProto) modelSummary {
	m := graph.NewModel(proto)
	summary := modelSummary{
		IRVersion:   proto.IRVersion,
		Producer:    proto.ProducerName,
		OpHistogram: make(map[string]int),
	}
	for _, opset := range proto.OpsetImport {
		if opset.Domain == "" || opset.Domain == "ai.onnx" {
			summary.OpsetVersion = opset.Version
			break
		}
	}

	g := m.MainGraph()
	if g == nil {
		return summary
	}
	summary.GraphName = g.Name
	summary.Initializers = len(g.Initializers)

	initNames := make(map[string]bool, len(g.Initializers))
	for _, init := range g.Initializers {
		initNames[init.Name] = true
	}
	for _, in := range g.Inputs {
		if !initNames[in.Name] {
			summary.Inputs = append(summary.Inputs, in.Name)
		}
	}
	for _, out := range g.Outputs {
		summary.Outputs = append(summary.Outputs, out.Name)
	}

	nodes := m.Nodes()
	summary.NodeCount = len(nodes)
	summary.SubGraphs = len(m.Graphs()) - 1
	for _, node := range nodes {
		summary.OpHistogram[node.OpType]++
	}
	return summary
}
