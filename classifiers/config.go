package classifiers

import (
	"strconv"
	"strings"

	"github.com/YuminosukeSato/wekadl/backend"
	"github.com/YuminosukeSato/wekadl/core/opt"
	"github.com/YuminosukeSato/wekadl/layers"
	"github.com/YuminosukeSato/wekadl/options"
	"github.com/YuminosukeSato/wekadl/pkg/errors"
	"github.com/YuminosukeSato/wekadl/pkg/log"
	"github.com/YuminosukeSato/wekadl/train"
)

// EarlyStopping configures validation based early stopping.
// A zero Patience or ValidationPct disables it.
type EarlyStopping struct {
	Patience      int
	ValidationPct float64
	Metric        train.Metric
}

// Enabled reports whether a validation split is held out.
func (e EarlyStopping) Enabled() bool { return e.Patience > 0 && e.ValidationPct > 0 }

func (e EarlyStopping) String() string {
	s := strconv.Itoa(e.Patience) + " " + formatFloat(e.ValidationPct)
	if e.Metric != "" && e.Metric != train.MetricLoss {
		s += " " + string(e.Metric)
	}
	return s
}

// ParseEarlyStopping parses "<patience> <validationPct> [loss|accuracy]".
func ParseEarlyStopping(s string) (EarlyStopping, error) {
	fields := strings.Fields(s)
	if len(fields) < 2 || len(fields) > 3 {
		return EarlyStopping{}, errors.NewValidationError("earlyStopping", "expected \"<patience> <validationPct> [metric]\"", s)
	}
	patience, err := strconv.Atoi(fields[0])
	if err != nil || patience < 0 {
		return EarlyStopping{}, errors.NewValidationError("earlyStopping", "patience must be a non-negative integer", fields[0])
	}
	pct, err := strconv.ParseFloat(fields[1], 64)
	if err != nil || pct < 0 || pct >= 100 {
		return EarlyStopping{}, errors.NewValidationError("earlyStopping", "validation percentage must be in [0, 100)", fields[1])
	}
	es := EarlyStopping{Patience: patience, ValidationPct: pct, Metric: train.MetricLoss}
	if len(fields) == 3 {
		if es.Metric, err = train.ParseMetric(fields[2]); err != nil {
			return EarlyStopping{}, err
		}
	}
	return es, nil
}

// Settings holds the options every network backed estimator shares.
type Settings struct {
	Layers    []*layers.Layer
	Network   backend.NetworkConfig
	Epochs    int
	Backend   string
	Resume    bool
	EarlyStop EarlyStopping
}

func defaultSettings(stack ...*layers.Layer) Settings {
	return Settings{
		Layers:  stack,
		Network: backend.DefaultNetworkConfig(),
		Epochs:  10,
		Backend: backend.DefaultName,
	}
}

func (s Settings) copy() Settings {
	c := s
	c.Layers = make([]*layers.Layer, len(s.Layers))
	for i, l := range s.Layers {
		c.Layers[i] = l.Copy()
	}
	return c
}

// Validate checks the ranges of every setting.
func (s Settings) Validate() error {
	if s.Epochs < 0 {
		return errors.NewValidationError("numEpochs", "must be non-negative", s.Epochs)
	}
	if s.Backend == "" {
		return errors.NewValidationError("backend", "must not be empty", s.Backend)
	}
	return s.Network.Validate()
}

func (s Settings) headOptions() []string {
	return []string{"-S", strconv.FormatInt(s.Network.Seed, 10), "-numEpochs", strconv.Itoa(s.Epochs)}
}

func (s Settings) layerOptions() []string {
	opts := make([]string, 0, 2*len(s.Layers))
	for _, l := range s.Layers {
		opts = append(opts, "-layer", l.String())
	}
	return opts
}

// tailOptions renders the updater, regularisation, early stopping, backend,
// resume and device flags in that order.
func (s Settings) tailOptions() []string {
	n := s.Network
	opts := []string{
		"-updater", string(n.Updater.Type),
		"-lr", formatFloat(n.Updater.LearningRate),
		"-l1", formatFloat(n.L1),
		"-l2", formatFloat(n.L2),
	}
	if v, ok := n.GradientClip.Get(); ok {
		opts = append(opts, "-gradientClip", formatFloat(v))
	}
	if v, ok := n.Dropout.Get(); ok {
		opts = append(opts, "-dropout", formatFloat(v))
	}
	if s.EarlyStop.Patience > 0 || s.EarlyStop.ValidationPct > 0 {
		opts = append(opts, "-earlyStopping", s.EarlyStop.String())
	}
	opts = append(opts, "-backend", s.Backend)
	if s.Resume {
		opts = append(opts, "-resume")
	}
	device := n.Device
	if device == "" {
		device = backend.DeviceCPU
	}
	return append(opts, "-device", string(device))
}

// parse consumes every shared flag from opts. Flags that are absent take
// their default from def.
func (s *Settings) parse(opts *[]string, def Settings) error {
	next := def.copy()

	if v, ok, err := options.GetOption("S", opts); err != nil {
		return err
	} else if ok {
		if next.Network.Seed, err = strconv.ParseInt(v, 10, 64); err != nil {
			return errors.NewValidationError("S", "must be an integer", v)
		}
	}
	if err := intOption("numEpochs", opts, &next.Epochs); err != nil {
		return err
	}

	specs, err := options.GetOptions("layer", opts)
	if err != nil {
		return err
	}
	if len(specs) > 0 {
		next.Layers = next.Layers[:0]
		for _, spec := range specs {
			l, err := layers.Parse(spec)
			if err != nil {
				return err
			}
			next.Layers = append(next.Layers, l)
		}
	}

	if v, ok, err := options.GetOption("updater", opts); err != nil {
		return err
	} else if ok {
		if next.Network.Updater.Type, err = backend.ParseUpdaterType(v); err != nil {
			return err
		}
	}
	for _, f := range []struct {
		flag string
		dst  *float64
	}{
		{"lr", &next.Network.Updater.LearningRate},
		{"l1", &next.Network.L1},
		{"l2", &next.Network.L2},
	} {
		if err := floatOption(f.flag, opts, f.dst); err != nil {
			return err
		}
	}
	for _, f := range []struct {
		flag string
		dst  *opt.Optional[float64]
	}{
		{"gradientClip", &next.Network.GradientClip},
		{"dropout", &next.Network.Dropout},
	} {
		v, ok, err := options.GetOption(f.flag, opts)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		x, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return errors.NewValidationError(f.flag, "must be a number", v)
		}
		*f.dst = opt.Some(x)
	}

	if v, ok, err := options.GetOption("earlyStopping", opts); err != nil {
		return err
	} else if ok {
		if next.EarlyStop, err = ParseEarlyStopping(v); err != nil {
			return err
		}
	}
	if v, ok, err := options.GetOption("backend", opts); err != nil {
		return err
	} else if ok {
		next.Backend = v
	}
	next.Resume = options.GetFlag("resume", opts)
	if v, ok, err := options.GetOption("device", opts); err != nil {
		return err
	} else if ok {
		if next.Network.Device, err = backend.ParseDevice(v); err != nil {
			return err
		}
	}

	if err := next.Validate(); err != nil {
		return err
	}
	*s = next
	return nil
}

func intOption(flag string, opts *[]string, dst *int) error {
	v, ok, err := options.GetOption(flag, opts)
	if err != nil || !ok {
		return err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return errors.NewValidationError(flag, "must be an integer", v)
	}
	*dst = n
	return nil
}

func floatOption(flag string, opts *[]string, dst *float64) error {
	v, ok, err := options.GetOption(flag, opts)
	if err != nil || !ok {
		return err
	}
	x, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return errors.NewValidationError(flag, "must be a number", v)
	}
	*dst = x
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Option configures an estimator at construction.
type Option func(*base)

// WithEpochs sets the number of epochs per build call.
func WithEpochs(n int) Option {
	return func(b *base) { b.settings.Epochs = n }
}

// WithBatchSize sets the mini-batch size of the iterator.
func WithBatchSize(n int) Option {
	return func(b *base) { b.batchSize = n }
}

// WithLayers replaces the layer stack.
func WithLayers(stack ...*layers.Layer) Option {
	return func(b *base) { b.settings.Layers = stack }
}

// WithSeed sets the random seed for weight initialisation and shuffling.
func WithSeed(seed int64) Option {
	return func(b *base) { b.settings.Network.Seed = seed }
}

// WithUpdater sets the updater and its learning rate.
func WithUpdater(t backend.UpdaterType, lr float64) Option {
	return func(b *base) { b.settings.Network.Updater = backend.Updater{Type: t, LearningRate: lr} }
}

// WithNetworkConfig replaces the whole network configuration.
func WithNetworkConfig(cfg backend.NetworkConfig) Option {
	return func(b *base) { b.settings.Network = cfg }
}

// WithBackend selects a registered backend by name.
func WithBackend(name string) Option {
	return func(b *base) { b.settings.Backend = name }
}

// WithResume keeps the trained network across build calls.
func WithResume(resume bool) Option {
	return func(b *base) { b.settings.Resume = resume }
}

// WithEarlyStopping holds out validationPct percent of the training data
// and stops after patience epochs without improvement.
func WithEarlyStopping(patience int, validationPct float64, metric train.Metric) Option {
	return func(b *base) {
		b.settings.EarlyStop = EarlyStopping{Patience: patience, ValidationPct: validationPct, Metric: metric}
	}
}

// WithLogger sets the logger.
func WithLogger(logger log.Logger) Option {
	return func(b *base) { b.logger = logger }
}

// WithListeners adds training listeners.
func WithListeners(ls ...train.Listener) Option {
	return func(b *base) { b.listeners = append(b.listeners, ls...) }
}
