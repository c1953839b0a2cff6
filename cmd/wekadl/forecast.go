package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/YuminosukeSato/wekadl/classifiers"
	"github.com/YuminosukeSato/wekadl/data"
	"github.com/YuminosukeSato/wekadl/options"
	"github.com/YuminosukeSato/wekadl/pkg/errors"
	"github.com/YuminosukeSato/wekadl/pkg/log"
	"github.com/YuminosukeSato/wekadl/train"
)

func runForecast(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("forecast", flag.ContinueOnError)
	seriesPath := fs.String("t", "", "ARFF file holding the series, one step per row")
	modelPath := fs.String("m", "", "load a saved forecaster instead of training")
	output := fs.String("o", "", "save the trained forecaster to this file")
	opts := fs.String("options", "", "forecaster option string (-seqLength, -targets, -layer ...)")
	steps := fs.Int("steps", 1, "number of steps to forecast")
	plotPath := fs.String("plot", "", "save the loss curve to this image")
	logLevel := fs.String("log-level", "info", "debug, info, warn or error")
	logJSON := fs.Bool("log-json", false, "log JSON lines instead of console output")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *seriesPath == "" {
		return errors.NewConfigurationError("forecast", "-t is required")
	}
	if err := setupLogging(*logLevel, *logJSON); err != nil {
		return err
	}
	logger := log.GetLogger().With(log.ComponentKey, "cli")

	history, err := data.ReadARFFFile(*seriesPath)
	if err != nil {
		return err
	}

	f := classifiers.NewRNNForecaster(classifiers.WithLogger(logger))
	if *modelPath != "" {
		if err := f.LoadFile(*modelPath); err != nil {
			return err
		}
	} else {
		parsed, err := options.Split(*opts)
		if err != nil {
			return err
		}
		if err := f.SetOptions(parsed); err != nil {
			return err
		}
		f.AddListener(train.NewEpochLogger(logger, 1))
		if *plotPath != "" {
			f.AddListener(train.NewPlotListener(*plotPath))
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := f.Build(ctx, history); err != nil {
			return err
		}
		if *output != "" {
			if err := f.SaveFile(*output); err != nil {
				return err
			}
		}
	}

	fc, err := f.Forecast(history, *steps)
	if err != nil {
		return err
	}
	names := f.TargetNames()
	fmt.Fprintf(stdout, "step\t%s\n", strings.Join(names, "\t"))
	for s := 0; s < *steps; s++ {
		row := fc.RawRowView(s)
		parts := make([]string, len(row))
		for j, v := range row {
			parts[j] = fmt.Sprintf("%.6g", v)
		}
		fmt.Fprintf(stdout, "+%d\t%s\n", s+1, strings.Join(parts, "\t"))
	}
	return nil
}
