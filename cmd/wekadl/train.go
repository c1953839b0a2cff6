package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/YuminosukeSato/wekadl/classifiers"
	"github.com/YuminosukeSato/wekadl/core/parallel"
	"github.com/YuminosukeSato/wekadl/data"
	"github.com/YuminosukeSato/wekadl/metrics"
	"github.com/YuminosukeSato/wekadl/options"
	"github.com/YuminosukeSato/wekadl/pkg/errors"
	"github.com/YuminosukeSato/wekadl/pkg/log"
	"github.com/YuminosukeSato/wekadl/train"
)

func runTrain(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("train", flag.ContinueOnError)
	cfgPath := fs.String("config", "", "YAML run configuration")
	var o RunConfig
	fs.StringVar(&o.Train, "t", "", "training ARFF file")
	fs.StringVar(&o.Class, "c", "", "class attribute: first, last or a 1-based index (default last)")
	fs.StringVar(&o.Classifier, "classifier", "", "mlp or rnn (default mlp)")
	fs.StringVar(&o.Options, "options", "", "classifier option string")
	fs.StringVar(&o.Output, "o", "", "save the trained model to this file")
	fs.StringVar(&o.Plot, "plot", "", "save the loss curve to this image (png, svg, pdf)")
	fs.StringVar(&o.ExportNetwork, "export-network", "", "write the bare network for use as -pretrained")
	fs.StringVar(&o.LogLevel, "log-level", "", "debug, info, warn or error (default info)")
	logJSON := fs.Bool("log-json", false, "log JSON lines instead of console output")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := DefaultRunConfig()
	if *cfgPath != "" {
		loaded, err := LoadRunConfig(*cfgPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	cfg.ApplyOverrides(o)
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := setupLogging(cfg.LogLevel, *logJSON); err != nil {
		return err
	}
	logger := log.GetLogger().With(log.ComponentKey, "cli")
	cpu := parallel.DetectCPU()
	logger.Debug("host", log.CPUKey, cpu.Brand, log.CoresKey, cpu.LogicalCores, "avx2", cpu.AVX2)

	insts, err := data.ReadARFFFile(cfg.Train)
	if err != nil {
		return err
	}
	if err := setClass(insts, cfg.Class); err != nil {
		return err
	}
	c, err := buildFromConfig(cfg, logger)
	if err != nil {
		return err
	}

	// SIGINT は次のエポック境界で学習を止める。それまでのネットワークは保存する
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	start := time.Now()
	if err := c.BuildClassifier(ctx, insts); err != nil {
		return err
	}
	total, _ := c.State().Epochs()
	logger.Info("training done",
		log.RelationKey, insts.Relation,
		log.SamplesKey, insts.NumInstances(),
		log.EpochsTotalKey, total,
		log.DurationMsKey, time.Since(start).Milliseconds(),
	)

	if cfg.Output != "" {
		if err := writeFile(cfg.Output, c.Save); err != nil {
			return err
		}
		logger.Info("model saved", log.OperationKey, log.OperationSave, "path", cfg.Output)
	}
	if cfg.ExportNetwork != "" {
		raw, err := c.NetworkBytes()
		if err != nil {
			return err
		}
		if err := os.WriteFile(cfg.ExportNetwork, raw, 0o644); err != nil {
			return errors.Wrapf(err, "write network to %s", cfg.ExportNetwork)
		}
	}

	fmt.Fprintln(stdout, c.String())
	ev, err := metrics.Evaluate(c, insts)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "\n=== Training set ===\n%s", ev)
	return nil
}

func buildFromConfig(cfg RunConfig, logger log.Logger) (classifiers.Classifier, error) {
	opts, err := options.Split(cfg.Options)
	if err != nil {
		return nil, err
	}
	c, err := classifiers.New(cfg.Classifier, classifiers.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	if err := c.SetOptions(opts); err != nil {
		return nil, err
	}
	c.AddListener(train.NewEpochLogger(logger, 1))
	if cfg.Plot != "" {
		c.AddListener(train.NewPlotListener(cfg.Plot))
	}
	return c, nil
}

// writeFile creates path and streams save into it.
func writeFile(path string, save func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	if err := save(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
