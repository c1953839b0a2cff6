package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/YuminosukeSato/wekadl/classifiers"
	"github.com/YuminosukeSato/wekadl/iterators"
	"github.com/YuminosukeSato/wekadl/layers"
	"github.com/YuminosukeSato/wekadl/options"
	"github.com/YuminosukeSato/wekadl/zoo"
)

func runOptions(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("options", flag.ContinueOnError)
	name := fs.String("classifier", "mlp", "mlp, rnn or forecaster")
	list := fs.Bool("list", false, "also list the iterators, layer types and zoo models")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var h options.Handler
	if *name == "forecaster" || *name == "RNNForecaster" {
		h = classifiers.NewRNNForecaster()
	} else {
		c, err := classifiers.New(*name)
		if err != nil {
			return err
		}
		h = c
	}
	fmt.Fprintln(stdout, options.Join(h.Options()))

	if *list {
		fmt.Fprintf(stdout, "\niterators: %v\n", iterators.Names())
		fmt.Fprintf(stdout, "layers:    %v\n", layers.Types())
		fmt.Fprintf(stdout, "zoo:       %v\n", zoo.Names())
	}
	return nil
}
