package main

import (
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/YuminosukeSato/wekadl/classifiers"
	"github.com/YuminosukeSato/wekadl/data"
	"github.com/YuminosukeSato/wekadl/metrics"
	"github.com/YuminosukeSato/wekadl/pkg/errors"
)

func runPredict(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("predict", flag.ContinueOnError)
	modelPath := fs.String("m", "", "saved model")
	testPath := fs.String("T", "", "ARFF file to classify")
	class := fs.String("c", "last", "class attribute: first, last or a 1-based index")
	distributions := fs.Bool("distributions", false, "print the distribution of every row")
	logLevel := fs.String("log-level", "warn", "debug, info, warn or error")
	logJSON := fs.Bool("log-json", false, "log JSON lines instead of console output")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *modelPath == "" || *testPath == "" {
		return errors.NewConfigurationError("predict", "-m and -T are required")
	}
	if err := setupLogging(*logLevel, *logJSON); err != nil {
		return err
	}

	c, err := classifiers.LoadFile(*modelPath)
	if err != nil {
		return err
	}
	insts, err := data.ReadARFFFile(*testPath)
	if err != nil {
		return err
	}
	if err := setClass(insts, *class); err != nil {
		return err
	}

	if *distributions {
		dist, err := c.DistributionsForInstances(insts)
		if err != nil {
			return err
		}
		rows, _ := dist.Dims()
		for i := 0; i < rows; i++ {
			fmt.Fprintf(stdout, "%d\t%s\n", i+1, formatRow(dist.RawRowView(i)))
		}
	}

	ev, err := metrics.Evaluate(c, insts)
	if errors.Is(err, errors.ErrEmptyData) {
		// クラス値のないデータでは評価しない
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "=== %s ===\n%s", insts.Relation, ev)
	return nil
}

func formatRow(row []float64) string {
	parts := make([]string, len(row))
	for i, v := range row {
		parts[i] = fmt.Sprintf("%.4f", v)
	}
	return strings.Join(parts, ",")
}
