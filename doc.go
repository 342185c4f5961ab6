// Package gopots trains estimators for partially-observed time series.
//
// The library drives a model through epochs of training and validation,
// keeps the best parameters seen so far, stops early when the validation
// metric stops improving, and always hands back a usable model when one
// epoch produced a finite metric, even after an interrupt or a failure.
//
// # Quick Start
//
//	package main
//
//	import (
//	    "context"
//	    "fmt"
//	    "log"
//
//	    "github.com/YuminosukeSato/gopots/data"
//	    "github.com/YuminosukeSato/gopots/estimator"
//	    "github.com/YuminosukeSato/gopots/linear"
//	    "github.com/YuminosukeSato/gopots/nn/loss"
//	)
//
//	func main() {
//	    // X contains NaN for missing values
//	    fields, _ := data.NewMasker(1).MaskObserved(X, 0.2)
//	    src, _ := data.NewSliceSource(fields, 32)
//
//	    m, _ := linear.NewRegression(4)
//	    est, err := estimator.New(m,
//	        estimator.WithEpochs(100),
//	        estimator.WithPatience(5),
//	        estimator.WithValidationMetric(loss.MAE()),
//	        estimator.WithSaving("better", "checkpoints"),
//	    )
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    outcome, err := est.Fit(context.Background(), src, valid)
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    fmt.Println(outcome.Status, outcome.BestEpoch, outcome.BestMetric)
//	}
//
// # Packages
//
//   - train: the training orchestrator, early stopping, checkpoints, device dispatch
//   - estimator: fit / predict / save / load around a model
//   - core/model: model capabilities, parameter snapshots, artifact persistence
//   - core/parallel: parallel processing utilities
//   - data: batches, sources, prefetching, self-supervised masks
//   - nn/loss: criteria with a metric direction
//   - metrics: masked regression, probabilistic and classification metrics
//   - optim: SGD, Adam, AdamW and RMSprop
//   - linear: the reference masked linear imputer
//   - hpo: hyperparameter search reporting
//   - summary: scalar logging and loss curves
//   - pkg/errors, pkg/log: error taxonomy and structured logging
//
// # Configuration
//
// Hyperparameter search reporting is enabled with ENABLE_HPO=1; reports go to
// HPO_REPORT_FILE or stdout.
package gopots
