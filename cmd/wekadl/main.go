// Command wekadl trains neural network classifiers on ARFF files and
// applies saved models to new data.
//
//	wekadl train -t iris.arff -options "-numEpochs 50 -layer \"DenseLayer -nOut 16\"" -o iris.model
//	wekadl predict -m iris.model -T test.arff
//	wekadl forecast -t load.arff -options "-seqLength 24 -targets demand" -steps 12
//	wekadl options -classifier rnn
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/YuminosukeSato/wekadl/pkg/log"
)

type command struct {
	name  string
	usage string
	run   func(args []string, stdout io.Writer) error
}

var commands = []command{
	{"train", "train a classifier and optionally save it", runTrain},
	{"predict", "apply a saved classifier to a data file", runPredict},
	{"forecast", "train or load a forecaster and predict the next steps", runForecast},
	{"options", "print the default options of a classifier", runOptions},
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: wekadl <command> [flags]")
	fmt.Fprintln(w)
	for _, c := range commands {
		fmt.Fprintf(w, "  %-9s %s\n", c.name, c.usage)
	}
	fmt.Fprintln(w, "\nRun 'wekadl <command> -h' for the flags of a command.")
}

// setupLogging installs the process logger. Console output is the default;
// -log-json switches to JSON lines for log collectors.
func setupLogging(level string, jsonLines bool) error {
	if jsonLines {
		return log.SetupLogger(level)
	}
	return log.SetupConsoleLogger(level)
}

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}
	name := os.Args[1]
	if name == "-h" || name == "-help" || name == "help" {
		usage(os.Stdout)
		return
	}
	for _, c := range commands {
		if c.name != name {
			continue
		}
		if err := c.run(os.Args[2:], os.Stdout); err != nil {
			log.GetLogger().Error(name+" failed", err)
			fmt.Fprintf(os.Stderr, "wekadl %s: %v\n", name, err)
			os.Exit(1)
		}
		return
	}
	fmt.Fprintf(os.Stderr, "wekadl: unknown command %q\n\n", name)
	usage(os.Stderr)
	os.Exit(2)
}
