package nas

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"fbnas/internal/generics"
	"fbnas/internal/latency"
	"fbnas/internal/parameters"
)

// Hyperparameter names, set on the supernet's context. Defaults follow the
// FBNet paper's CIFAR recipe; all can be overridden with a config string
// (see FromParams).
const (
	// ParamAlpha multiplies the latency term of the loss.
	ParamAlpha = "alpha"

	// ParamBeta is the exponent applied to the latency term. Values below 1
	// soften the latency gradient relative to the cross-entropy one.
	ParamBeta = "beta"

	// ParamInitTheta is the constant every theta vector is initialized to.
	ParamInitTheta = "init_theta"
)

// ThetaScope is the context scope holding the architecture parameters, kept
// apart from the network weights so the two optimizers never share variables.
const ThetaScope = "theta"

// Result holds the per-batch scalar outputs of one forward pass.
type Result struct {
	// Loss is CrossEntropy + alpha·Latency^beta.
	Loss float32

	// CrossEntropy of the classifier logits vs. the integer targets,
	// averaged over the batch.
	CrossEntropy float32

	// Latency is the expected hardware cost of the sampled architecture,
	// summed over layers, per example.
	Latency float32

	// Accuracy is the fraction of examples whose arg-max logit matches the
	// target, in [0, 1].
	Accuracy float32
}

// Network is the searchable supernet: an input stem, NumSearchableLayers
// mixed operations each governed by a theta vector, an output stem and a
// linear classifier. Feature tensors are shaped [batch, height, width,
// channels]; the output stem's features are globally average-pooled before
// the classifier.
type Network struct {
	ctx     *context.Context
	backend backends.Backend

	arch       Architecture
	table      *latency.Table
	numClasses int

	// thetas holds one trainable variable per searchable layer, length equal
	// to that layer's candidate count.
	thetas []*context.Variable

	alpha, beta float64

	fwdExec  *context.Exec
	evalExec *context.Exec

	// lastBatchSize of the most recent forward pass, kept for the trainer's
	// throughput bookkeeping.
	lastBatchSize int
}

// New creates a supernet for the given architecture, loading the latency
// table from latencyPath. The table must have one row per candidate group,
// aligned with the group order. params (may be nil) overrides the default
// hyperparameters.
//
// Construction fails fast on any contract violation: wrong group count,
// missing or malformed latency file, bad hyperparameter values.
func New(backend backends.Backend, arch Architecture, numClasses int, latencyPath string, params parameters.Params) (*Network, error) {
	if err := arch.Validate(); err != nil {
		return nil, err
	}
	if numClasses < 2 {
		return nil, errors.Errorf("supernet needs at least 2 classes, got %d", numClasses)
	}

	ctx := context.New()
	ctx.RngStateReset()
	ctx.SetParams(map[string]any{
		ParamAlpha:     0.2,
		ParamBeta:      0.6,
		ParamInitTheta: 1.0,

		// Weight optimizer: SGD with a cosine-decayed learning rate.
		optimizers.ParamOptimizer:       "sgd",
		optimizers.ParamLearningRate:    0.01,
		cosineschedule.ParamPeriodSteps: 200,

		// Architecture (theta) optimizer: Adam on a fixed schedule.
		ParamThetaLearningRate: 0.001,
		ParamThetaAdamBeta1:    0.5,
		ParamThetaAdamBeta2:    0.999,
		ParamThetaWeightDecay:  3e-3,

		// Gumbel-Softmax temperature annealing.
		ParamInitTemperature:  float64(DefaultTemperature),
		ParamTemperatureDecay: 0.965,
	})
	if err := FromParams(params, ctx); err != nil {
		return nil, err
	}

	table, err := latency.Load(latencyPath, generics.SliceMap(arch.Searchable, func(group []Block) int {
		return len(group)
	}))
	if err != nil {
		return nil, err
	}

	n := &Network{
		ctx:        ctx.Checked(false),
		backend:    backend,
		arch:       arch,
		table:      table,
		numClasses: numClasses,
		alpha:      context.GetParamOr(ctx, ParamAlpha, 0.2),
		beta:       context.GetParamOr(ctx, ParamBeta, 0.6),
	}

	// Architecture parameters: one vector per searchable layer, initialized
	// to a constant, owned here and referenced by the trainer's optimizer.
	initTheta := float32(context.GetParamOr(ctx, ParamInitTheta, 1.0))
	n.thetas = make([]*context.Variable, len(arch.Searchable))
	for ii, group := range arch.Searchable {
		n.thetas[ii] = n.ctx.In(ThetaScope).VariableWithValue(
			fmt.Sprintf("layer_%02d", ii), generics.SliceWithValue(len(group), initTheta))
	}

	n.fwdExec = context.NewExec(backend, n.ctx, func(ctx *context.Context, inputs []*Node) []*Node {
		images, labels, temperature := inputs[0], inputs[1], inputs[2]
		return n.forwardGraph(ctx, images, labels, temperature, n.thetaNodes(images.Graph()))
	})
	n.evalExec = context.NewExec(backend, n.ctx, func(ctx *context.Context, inputs []*Node) []*Node {
		images, labels, temperature := inputs[0], inputs[1], inputs[2]
		return n.forwardGraph(ctx, images, labels, temperature, inputs[3:])
	})

	klog.V(1).Infof("Created supernet: %d searchable layers, %d classes, alpha=%g, beta=%g",
		len(arch.Searchable), numClasses, n.alpha, n.beta)
	return n, nil
}

// FromParams overlays user-given params onto the context hyperparameters,
// parsing each value to the type of its default. Unknown keys are an error.
func FromParams(params parameters.Params, ctx *context.Context) error {
	var err error
	ctx.EnumerateParams(func(scope, key string, valueAny any) {
		if err != nil || scope != context.RootScope {
			return
		}
		switch defaultValue := valueAny.(type) {
		case string:
			var value string
			value, _ = parameters.PopParamOr(params, key, defaultValue)
			ctx.SetParam(key, value)
		case int:
			var value int
			value, err = parameters.PopParamOr(params, key, defaultValue)
			if err == nil {
				ctx.SetParam(key, value)
			}
		case float64:
			var value float64
			value, err = parameters.PopParamOr(params, key, defaultValue)
			if err == nil {
				ctx.SetParam(key, value)
			}
		case bool:
			var value bool
			value, err = parameters.PopParamOr(params, key, defaultValue)
			if err == nil {
				ctx.SetParam(key, value)
			}
		}
	})
	if err != nil {
		return err
	}
	for key := range params {
		return errors.Errorf("unknown hyperparameter %q", key)
	}
	return nil
}

// thetaNodes returns the stored theta vectors as graph nodes, each shaped
// [1, numCandidates] for broadcasting across the batch.
func (n *Network) thetaNodes(g *Graph) []*Node {
	return generics.SliceMap(n.thetas, func(v *context.Variable) *Node {
		return ExpandAxes(v.ValueGraph(g), 0)
	})
}

// forwardGraph builds the full forward pass and returns
// [loss, crossEntropy, latencyLoss, accuracy], all scalars.
//
// thetas are either the stored variables or override inputs; each may be
// shaped [numCandidates] or [1, numCandidates].
func (n *Network) forwardGraph(ctx *context.Context, images, labels, temperature *Node, thetas []*Node) []*Node {
	g := images.Graph()
	batchSize := images.Shape().Dim(0)

	x := images
	for ii, block := range n.arch.InputStem {
		x = block(ctx.In(fmt.Sprintf("input_stem_%02d", ii)), x)
	}

	var totalLatency *Node
	for layer, group := range n.arch.Searchable {
		theta := thetas[layer]
		if theta.Rank() == 1 {
			theta = ExpandAxes(theta, 0)
		}
		// One soft block choice per example at the current temperature.
		weights := gumbelSoftmax(ctx, theta, temperature, batchSize)

		// Expected latency of this layer under the sampled weights, summed
		// over the batch.
		row := Const(g, n.table.Row(layer))
		layerLatency := ReduceAllSum(Mul(weights, ExpandAxes(row, 0)))
		if totalLatency == nil {
			totalLatency = layerLatency
		} else {
			totalLatency = Add(totalLatency, layerLatency)
		}

		x = MixedOp(ctx.In(fmt.Sprintf("layer_%02d", layer)), group, x, weights)
	}
	latencyLoss := DivScalar(totalLatency, float64(batchSize))

	for ii, block := range n.arch.OutputStem {
		x = block(ctx.In(fmt.Sprintf("output_stem_%02d", ii)), x)
	}

	// Global average pooling of the spatial axes, then the linear classifier.
	if x.Rank() > 2 {
		spatialAxes := make([]int, 0, x.Rank()-2)
		for axis := 1; axis < x.Rank()-1; axis++ {
			spatialAxes = append(spatialAxes, axis)
		}
		x = ReduceMean(x, spatialAxes...)
	}
	logits := layers.Dense(ctx.In("classifier"), x, true, n.numClasses)

	labelsFlat := labels
	if labelsFlat.Rank() == 2 {
		labelsFlat = Squeeze(labelsFlat, -1)
	}
	crossEntropy := losses.SparseCategoricalCrossEntropyLogits(
		[]*Node{ExpandAxes(labelsFlat, -1)}, []*Node{logits})
	if !crossEntropy.IsScalar() {
		crossEntropy = ReduceAllMean(crossEntropy)
	}

	loss := Add(crossEntropy, MulScalar(Pow(latencyLoss, Scalar(g, latencyLoss.DType(), n.beta)), n.alpha))

	predictions := ArgMax(logits, -1, dtypes.Int32)
	correct := ConvertDType(Equal(predictions, ConvertDType(labelsFlat, dtypes.Int32)), dtypes.Float32)
	accuracy := ReduceAllMean(correct)

	return []*Node{loss, crossEntropy, latencyLoss, accuracy}
}

// Forward runs one labeled batch through the supernet, sampling the stored
// architecture parameters at the given temperature (> 0).
func (n *Network) Forward(images, labels *tensors.Tensor, temperature float32) (Result, error) {
	return n.call(n.fwdExec, images, labels, temperature, nil)
}

// ForwardWithTheta is Forward with the given vectors overriding the stored
// architecture parameters for this pass only: the stored ones are neither
// read nor written, so candidate architectures can be evaluated without
// disturbing the trained values.
func (n *Network) ForwardWithTheta(images, labels *tensors.Tensor, temperature float32, thetas [][]float32) (Result, error) {
	if len(thetas) != len(n.thetas) {
		return Result{}, errors.Errorf("got %d theta vectors, network has %d searchable layers",
			len(thetas), len(n.thetas))
	}
	for ii, theta := range thetas {
		if len(theta) != len(n.arch.Searchable[ii]) {
			return Result{}, errors.Errorf("theta vector %d has %d values, candidate group has %d blocks",
				ii, len(theta), len(n.arch.Searchable[ii]))
		}
	}
	return n.call(n.evalExec, images, labels, temperature, thetas)
}

// call invokes one of the executors, converting gomlx panics to errors.
func (n *Network) call(exec *context.Exec, images, labels *tensors.Tensor, temperature float32, thetas [][]float32) (Result, error) {
	if temperature <= 0 {
		return Result{}, errors.Errorf("temperature must be positive, got %g", temperature)
	}
	args := []any{images, labels, tensors.FromScalar(temperature)}
	for _, theta := range thetas {
		args = append(args, tensors.FromValue(theta))
	}
	var outputs []*tensors.Tensor
	err := exceptions.TryCatch[error](func() {
		outputs = exec.Call(args...)
	})
	if err != nil {
		return Result{}, errors.WithMessagef(err, "supernet forward pass failed")
	}
	n.lastBatchSize = images.Shape().Dim(0)
	return Result{
		Loss:         tensors.ToScalar[float32](outputs[0]),
		CrossEntropy: tensors.ToScalar[float32](outputs[1]),
		Latency:      tensors.ToScalar[float32](outputs[2]),
		Accuracy:     tensors.ToScalar[float32](outputs[3]),
	}, nil
}

// Theta returns a copy of the current architecture parameter vectors, one per
// searchable layer, in layer order.
func (n *Network) Theta() [][]float32 {
	return generics.SliceMap(n.thetas, func(v *context.Variable) []float32 {
		return slices.Clone(v.Value().Value().([]float32))
	})
}

// Context with the supernet's weights, theta and hyperparameters.
func (n *Network) Context() *context.Context {
	return n.ctx
}

// LastBatchSize returns the batch size of the most recent forward pass.
func (n *Network) LastBatchSize() int {
	return n.lastBatchSize
}
