// Package log defines standard attribute keys for training-lifecycle logging.
//
// The keys follow a hierarchical naming convention (e.g. "training.epoch",
// "checkpoint.path") so that JSON log lines can be filtered per concern.

package log

// Model and Operation Context
const (
	// ModelNameKey identifies the estimator type.
	// Examples: "SAITS", "CSDI", "Linear"
	ModelNameKey = "model.name"

	// EstimatorIDKey is a unique identifier (UUID) for an estimator instance.
	EstimatorIDKey = "estimator.id"

	// OperationKey specifies the operation being performed: "fit", "predict", "save", "load".
	OperationKey = "ml.operation"

	// ComponentKey identifies the package emitting the record.
	ComponentKey = "ml.component"

	// PhaseKey indicates "training", "validating" or "inference".
	PhaseKey = "ml.phase"

	// TrainableParamsKey is the number of trainable scalar parameters of a model.
	TrainableParamsKey = "model.trainable_params"
)

// Data Shape
const (
	SamplesKey   = "data.samples"
	FeaturesKey  = "data.features"
	BatchSizeKey = "data.batch_size"
	BatchIdxKey  = "data.batch"
)

// Training progress
const (
	// EpochKey records the current epoch number (1-based).
	EpochKey = "training.epoch"

	// StepKey records the global optimizer step.
	StepKey = "training.step"

	// LossKey records the mean training loss of an epoch.
	LossKey = "metrics.loss"

	// MetricKey records the observed validation metric of an epoch.
	MetricKey = "metrics.value"

	// MetricNameKey names the criterion behind MetricKey.
	MetricNameKey = "metrics.name"

	BestEpochKey  = "training.best_epoch"
	BestMetricKey = "training.best_metric"

	// PatienceKey records the remaining patience.
	PatienceKey = "training.patience"

	// StatusKey records the final outcome status.
	StatusKey = "training.status"

	DurationMsKey = "perf.duration_ms"
)

// Checkpointing and devices
const (
	CheckpointPathKey     = "checkpoint.path"
	CheckpointStrategyKey = "checkpoint.strategy"
	DevicesKey            = "infra.devices"
	CPUBrandKey           = "infra.cpu_brand"
	CPUCoresKey           = "infra.cpu_cores"
	CPUFeaturesKey        = "infra.cpu_features"
)

// Experiment tracking
const (
	// HPOTrialKey is the UUID of a hyperparameter search trial.
	HPOTrialKey   = "hpo.trial"
	ReportPathKey = "report.path"
)

// Error Context
const (
	ErrorTypeKey  = "error.type"
	SuggestionKey = "error.suggestion"
)

// Configuration
const (
	LearningRateKey  = "hyperparams.learning_rate"
	RandomSeedKey    = "config.random_seed"
	ConfigVersionKey = "config.version"
)

// Standard attribute values.
const (
	OperationFit     = "fit"
	OperationPredict = "predict"
	OperationSave    = "save"
	OperationLoad    = "load"

	PhaseTraining   = "training"
	PhaseValidation = "validating"
	PhaseInference  = "inference"
)
