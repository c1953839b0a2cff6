// Package wekadl exposes neural-network classifiers over WEKA-style
// row-oriented datasets.
//
// The network mathematics (construction, gradient steps, forward passes and
// persistence of weights) is delegated to an external library through the
// backend package; the default backend wraps github.com/openfluke/loom.
// This module owns the glue around it:
//
//   - data: Instances, attributes and ARFF input/output
//   - preprocessing: fitted filters reapplied at inference time
//   - convert: Instances to dense feature/label matrices (tabular, image, sequence)
//   - dataset: DataSet batches, shuffled and cached iterators
//   - layers: declarative layer specifications with the -flag option protocol
//   - train: epoch driver, early stopping, listeners
//   - classifiers: MLPClassifier, RNNSequenceClassifier, RNNForecaster
//   - zoo: predefined architectures and transfer learning
//
// # Quick Start
//
//	insts, err := data.ReadARFFFile("iris.arff")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := insts.SetClassIndex(insts.NumAttributes() - 1); err != nil {
//	    log.Fatal(err)
//	}
//
//	clf := classifiers.NewMLPClassifier(
//	    classifiers.WithLayers(
//	        layers.NewDense(layers.NOut(16), layers.Act(layers.ActivationReLU)),
//	        layers.NewOutput(layers.Act(layers.ActivationSoftmax)),
//	    ),
//	    classifiers.WithEpochs(20),
//	)
//	if err := clf.BuildClassifier(context.Background(), insts); err != nil {
//	    log.Fatal(err)
//	}
//	dist, err := clf.DistributionForInstance(insts, insts.Instance(0))
//
// The command line front-end lives in cmd/wekadl.
package wekadl
