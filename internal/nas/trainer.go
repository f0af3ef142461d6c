package nas

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"fbnas/internal/generics"
	"fbnas/internal/metrics"
)

// Trainer hyperparameter names, set on the supernet's context (see New for
// the defaults).
const (
	ParamThetaLearningRate = "theta_learning_rate"
	ParamThetaAdamBeta1    = "theta_adam_beta1"
	ParamThetaAdamBeta2    = "theta_adam_beta2"
	ParamThetaWeightDecay  = "theta_weight_decay"
	ParamInitTemperature   = "init_temperature"
	ParamTemperatureDecay  = "temperature_decay"
)

// phase of the alternating bi-level optimization.
type phase int

const (
	phaseWeights phase = iota
	phaseArchitecture
)

// Trainer drives the alternating search: a weight-training phase updating the
// network weights (SGD with a cosine-decayed learning rate, theta frozen) and
// an architecture-training phase updating theta (Adam, weights frozen). Both
// phases share the supernet's forward graph and differ only in which
// optimizer steps.
//
// It is single-threaded: theta and temperature are read by every forward pass
// and written only between steps.
type Trainer struct {
	net *Network

	wOptimizer, tOptimizer optimizers.Interface
	trainWExec, trainTExec *context.Exec

	temperature      float32
	temperatureDecay float32

	// thetaPrefix parameterizes the theta output files written during Search.
	thetaPrefix string

	// weightVars snapshots the trainable network weights (everything but
	// theta) once all variables exist; nil until the first training step.
	weightVars []*context.Variable

	lossAvg, ceAvg, latAvg, accAvg *metrics.Average
	window                         metrics.Window
}

// NewTrainer creates a Trainer for the supernet. Optimizers, temperature and
// its decay are configured from the supernet's context hyperparameters.
// Theta files written by Search are named "<thetaPrefix>_theta_epoch_<n>.txt".
func NewTrainer(net *Network, thetaPrefix string) *Trainer {
	ctx := net.ctx
	t := &Trainer{
		net:              net,
		temperature:      float32(context.GetParamOr(ctx, ParamInitTemperature, float64(DefaultTemperature))),
		temperatureDecay: float32(context.GetParamOr(ctx, ParamTemperatureDecay, 0.965)),
		thetaPrefix:      thetaPrefix,
		lossAvg:          metrics.NewAverage("loss"),
		ceAvg:            metrics.NewAverage("ce"),
		latAvg:           metrics.NewAverage("lat"),
		accAvg:           metrics.NewAverage("acc"),
	}

	// Weight optimizer from the context params ("sgd" + learning rate); the
	// cosine schedule is applied inside the weight train-step graph.
	t.wOptimizer = optimizers.FromContext(ctx)

	// Architecture optimizer: Adam over the theta variables only.
	t.tOptimizer = optimizers.Adam().
		LearningRate(context.GetParamOr(ctx, ParamThetaLearningRate, 0.001)).
		Betas(context.GetParamOr(ctx, ParamThetaAdamBeta1, 0.5),
			context.GetParamOr(ctx, ParamThetaAdamBeta2, 0.999)).
		WeightDecay(context.GetParamOr(ctx, ParamThetaWeightDecay, 3e-3)).
		Done()

	t.trainWExec = context.NewExec(net.backend, ctx, func(ctx *context.Context, inputs []*Node) []*Node {
		return t.trainStepGraph(ctx, inputs, t.wOptimizer, true)
	})
	t.trainTExec = context.NewExec(net.backend, ctx, func(ctx *context.Context, inputs []*Node) []*Node {
		return t.trainStepGraph(ctx, inputs, t.tOptimizer, false)
	})
	return t
}

// trainStepGraph builds one optimization step: forward, loss, gradient update
// of the currently trainable variables.
func (t *Trainer) trainStepGraph(ctx *context.Context, inputs []*Node, optimizer optimizers.Interface, cosineLR bool) []*Node {
	images, labels, temperature := inputs[0], inputs[1], inputs[2]
	g := images.Graph()
	ctx.SetTraining(g, true)
	outputs := t.net.forwardGraph(ctx, images, labels, temperature, t.net.thetaNodes(g))
	loss := outputs[0]
	if cosineLR {
		cosineschedule.New(ctx, g, loss.DType()).FromContext().Done()
	}
	optimizer.UpdateGraph(ctx, g, loss)
	train.ExecPerStepUpdateGraphFn(ctx, g)
	return outputs
}

// ensureVariables materializes the supernet's variables, which are created
// lazily on the first graph build, so phase freezing sees all of them, and
// snapshots which ones are network weights.
func (t *Trainer) ensureVariables(images, labels *tensors.Tensor) error {
	if t.weightVars != nil {
		return nil
	}
	if _, err := t.net.Forward(images, labels, t.temperature); err != nil {
		return err
	}
	isTheta := make(map[*context.Variable]bool, len(t.net.thetas))
	for _, v := range t.net.thetas {
		isTheta[v] = true
	}
	t.net.ctx.EnumerateVariables(func(v *context.Variable) {
		if v.Trainable && !isTheta[v] {
			t.weightVars = append(t.weightVars, v)
		}
	})
	return nil
}

// setPhase freezes one side of the bi-level problem: only the stepped
// optimizer's variables stay trainable, so its update never touches the other
// side's parameters.
func (t *Trainer) setPhase(p phase) {
	for _, v := range t.weightVars {
		v.Trainable = p == phaseWeights
	}
	for _, v := range t.net.thetas {
		v.Trainable = p == phaseArchitecture
	}
}

// TrainW performs one weight-phase step: forward, backprop, SGD update of the
// network weights. Theta is frozen. Optionally decays the temperature after.
func (t *Trainer) TrainW(images, labels *tensors.Tensor, decayTemperature bool) (Result, error) {
	res, err := t.trainStep(t.trainWExec, phaseWeights, images, labels)
	if err != nil {
		return res, err
	}
	if decayTemperature {
		t.DecayTemperature()
	}
	return res, nil
}

// TrainT performs one architecture-phase step: forward, backprop, Adam update
// of theta. Weights are frozen. Optionally decays the temperature after.
func (t *Trainer) TrainT(images, labels *tensors.Tensor, decayTemperature bool) (Result, error) {
	res, err := t.trainStep(t.trainTExec, phaseArchitecture, images, labels)
	if err != nil {
		return res, err
	}
	if decayTemperature {
		t.DecayTemperature()
	}
	return res, nil
}

func (t *Trainer) trainStep(exec *context.Exec, p phase, images, labels *tensors.Tensor) (Result, error) {
	if err := t.ensureVariables(images, labels); err != nil {
		return Result{}, err
	}
	t.setPhase(p)
	return t.net.call(exec, images, labels, t.temperature, nil)
}

// DecayTemperature multiplies the sampling temperature by the configured
// per-trainer decay constant.
func (t *Trainer) DecayTemperature() {
	t.decay(t.temperatureDecay)
}

// DecayTemperatureBy multiplies the temperature by the given ratio in (0, 1].
func (t *Trainer) DecayTemperatureBy(ratio float32) error {
	if ratio <= 0 || ratio > 1 {
		return errors.Errorf("temperature decay ratio must be in (0, 1], got %g", ratio)
	}
	t.decay(ratio)
	return nil
}

func (t *Trainer) decay(ratio float32) {
	before := t.temperature
	t.temperature *= ratio
	klog.Infof("Changing temperature from %.5f to %.5f", before, t.temperature)
}

// Temperature returns the current Gumbel-Softmax sampling temperature.
func (t *Trainer) Temperature() float32 {
	return t.temperature
}

// recordStep updates the running averages and, every logEvery steps, flushes
// them to a log line together with the wall-clock throughput.
func (t *Trainer) recordStep(epoch, step, logEvery int, res Result) {
	t.lossAvg.Update(res.Loss)
	t.ceAvg.Update(res.CrossEntropy)
	t.latAvg.Update(res.Latency)
	t.accAvg.Update(res.Accuracy)
	t.window.Record(t.net.lastBatchSize)
	if step > 0 && step%logEvery == 0 {
		speed := t.window.Flush()
		klog.Infof("Epoch[%d] Batch[%d] Speed: %.2f samples/sec %s %s %s %s",
			epoch, step, speed, t.lossAvg, t.accAvg, t.ceAvg, t.latAvg)
		for _, avg := range []*metrics.Average{t.lossAvg, t.ceAvg, t.latAvg, t.accAvg} {
			avg.Reset()
		}
	}
}

// Search runs the full alternating search: startWEpochs epochs of pure weight
// training over trainW, then totalEpochs rounds of one architecture epoch
// over trainT (theta saved to disk after every step) followed by a
// temperature decay and one weight epoch over trainW.
//
// Any forward/backward failure aborts the search; there is no retry.
func (t *Trainer) Search(trainW, trainT train.Dataset, totalEpochs, startWEpochs, logEvery int) error {
	if startWEpochs < 1 {
		return errors.Errorf("startWEpochs must be >= 1 to warm up the weights, got %d", startWEpochs)
	}
	if logEvery <= 0 {
		logEvery = 100
	}

	t.window.Restart()
	for epoch := range startWEpochs {
		klog.Infof("Start to train weights for epoch %d", epoch)
		err := t.runEpoch(trainW, epoch, logEvery, func(images, labels *tensors.Tensor) (Result, error) {
			return t.TrainW(images, labels, false)
		})
		if err != nil {
			return err
		}
	}

	t.window.Restart()
	for round := range totalEpochs {
		epoch := round + startWEpochs
		thetaPath := fmt.Sprintf("%s_theta_epoch_%d.txt", t.thetaPrefix, epoch)

		klog.Infof("Start to train theta for epoch %d", epoch)
		err := t.runEpoch(trainT, epoch, logEvery, func(images, labels *tensors.Tensor) (Result, error) {
			res, err := t.TrainT(images, labels, false)
			if err != nil {
				return res, err
			}
			if _, err := t.SaveTheta(thetaPath); err != nil {
				return res, err
			}
			return res, nil
		})
		if err != nil {
			return err
		}
		t.DecayTemperature()

		klog.Infof("Start to train weights for epoch %d", epoch)
		err = t.runEpoch(trainW, epoch, logEvery, func(images, labels *tensors.Tensor) (Result, error) {
			return t.TrainW(images, labels, false)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// runEpoch drains one epoch of the dataset through stepFn, then resets the
// dataset for its next epoch.
func (t *Trainer) runEpoch(ds train.Dataset, epoch, logEvery int, stepFn func(images, labels *tensors.Tensor) (Result, error)) error {
	step := 0
	for {
		_, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			ds.Reset()
			return nil
		}
		if err != nil {
			return errors.WithMessagef(err, "dataset %q failed at epoch %d step %d", ds.Name(), epoch, step)
		}
		if len(inputs) < 1 || len(labels) < 1 {
			return errors.Errorf("dataset %q must yield (input batch, label batch) pairs", ds.Name())
		}
		res, err := stepFn(inputs[0], labels[0])
		if err != nil {
			return errors.WithMessagef(err, "epoch %d step %d", epoch, step)
		}
		t.recordStep(epoch, step, logEvery, res)
		step++
	}
}

// SaveTheta writes every theta vector as one whitespace-separated line of its
// current values, in layer order, overwriting path. It returns the saved
// vectors.
func (t *Trainer) SaveTheta(path string) ([][]float32, error) {
	thetas := t.net.Theta()
	var b strings.Builder
	for _, theta := range thetas {
		b.WriteString(strings.Join(generics.SliceMap(theta, func(v float32) string {
			return strconv.FormatFloat(float64(v), 'g', -1, 32)
		}), " "))
		b.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return nil, errors.Wrapf(err, "failed to save theta to %q", path)
	}
	return thetas, nil
}
