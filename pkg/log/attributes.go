// Package log defines standard attribute keys for training and inference.
//
// Keys follow a hierarchical naming convention ("model.name", "data.samples")
// so that log lines from different classifiers, layers and iterators can be
// filtered uniformly.

package log

// Model and Operation Context
const (
	// ModelNameKey identifies the classifier type.
	// Examples: "MLPClassifier", "RNNSequenceClassifier"
	ModelNameKey = "model.name"

	// EstimatorIDKey is the unique identifier of a classifier instance (a UUID).
	EstimatorIDKey = "estimator.id"

	// OperationKey specifies the operation being performed.
	OperationKey = "ml.operation"

	// ComponentKey identifies which package is emitting the log line.
	// Examples: "train", "convert", "backend.loom"
	ComponentKey = "ml.component"

	// PhaseKey indicates the lifecycle phase.
	PhaseKey = "ml.phase"

	// StateKey is the training state machine value.
	StateKey = "model.state"
)

// Data Shape and Characteristics
const (
	// RelationKey is the dataset relation name.
	RelationKey = "data.relation"

	// SamplesKey is the number of rows being processed.
	SamplesKey = "data.samples"

	// FeaturesKey is the number of encoded feature columns.
	FeaturesKey = "data.features"

	// ClassesKey is the number of class values (1 for a numeric class).
	ClassesKey = "data.classes"

	// BatchSizeKey is the configured mini-batch size.
	BatchSizeKey = "data.batch_size"

	// BatchesKey is the number of batches per epoch.
	BatchesKey = "data.batches"

	// CacheModeKey is the iterator caching mode.
	CacheModeKey = "data.cache_mode"
)

// Network Topology
const (
	// BackendKey names the network backend.
	BackendKey = "network.backend"

	// LayerIndexKey is the position of a layer in the declared order.
	LayerIndexKey = "layer.index"

	// LayerTypeKey is the layer specification type.
	LayerTypeKey = "layer.type"

	// NumLayersKey is the number of declared layers.
	NumLayersKey = "network.layers"

	// NumParamsKey is the number of trainable parameters reported by the backend.
	NumParamsKey = "network.params"

	// DeviceKey is the execution device requested for the backend.
	DeviceKey = "network.device"
)

// Performance and Training Metrics
const (
	// DurationMsKey records the execution time of an operation in milliseconds.
	DurationMsKey = "perf.duration_ms"

	// AccuracyKey records classification accuracy.
	AccuracyKey = "metrics.accuracy"

	// LossKey records the average loss of an epoch.
	LossKey = "metrics.loss"

	// ValidationScoreKey records the early stopping validation score.
	ValidationScoreKey = "metrics.validation_score"

	// EpochKey is the zero-based epoch number within the current session.
	EpochKey = "training.epoch"

	// EpochsTotalKey is the number of epochs trained across all sessions.
	EpochsTotalKey = "training.epochs_total"

	// BatchKey is the batch index within an epoch.
	BatchKey = "training.batch"
)

// Error Context
const (
	// ErrorTypeKey categorizes the error.
	ErrorTypeKey = "error.type"

	// StacktraceKey contains stack trace information for debugging.
	StacktraceKey = "error.stacktrace"
)

// Hyperparameters and Configuration
const (
	// LearningRateKey records the updater learning rate.
	LearningRateKey = "hyperparams.learning_rate"

	// UpdaterKey records the updater name.
	UpdaterKey = "hyperparams.updater"

	// RandomSeedKey records the random seed for reproducibility.
	RandomSeedKey = "config.random_seed"

	// CPUKey describes the host CPU.
	CPUKey = "infra.cpu"

	// CoresKey is the number of physical cores.
	CoresKey = "infra.cores"
)

// Standard attribute values.
const (
	OperationBuild     = "build"
	OperationFit       = "fit"
	OperationPredict   = "predict"
	OperationTransform = "transform"
	OperationEncode    = "encode"
	OperationSave      = "save"
	OperationLoad      = "load"

	PhaseTraining      = "training"
	PhaseValidation    = "validation"
	PhaseInference     = "inference"
	PhasePreprocessing = "preprocessing"
)
