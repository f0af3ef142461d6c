// fbnas runs an FBNet-style differentiable architecture search over a demo
// search space of 22 searchable convolution layers, on a synthetic
// classification task. The searched theta vectors are written to text files,
// one per alternating epoch.
package main

import (
	"flag"
	"math/rand"
	"os"
	"strconv"
	"strings"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"fbnas/internal/nas"
	"fbnas/internal/parameters"
)

var (
	flagLatency = flag.String("latency", "speed.txt", "Path to the latency table: one line per searchable "+
		"layer, whitespace-separated per-candidate costs.")
	flagMakeLatency = flag.Bool("make_latency", false, "Generate a plausible latency table for the demo "+
		"search space, write it to -latency and continue with it.")
	flagClasses   = flag.Int("classes", 10, "Number of classes of the synthetic classification task.")
	flagBatchSize = flag.Int("batch_size", 16, "Batch size for both training phases.")
	flagSamples   = flag.Int("samples", 256, "Number of synthetic examples per dataset.")
	flagImageSize = flag.Int("image_size", 16, "Side of the square synthetic input images.")
	flagFilters   = flag.Int("filters", 16, "Channels used by the demo candidate blocks.")

	flagEpochs       = flag.Int("epochs", 2, "Number of alternating theta/weight epochs.")
	flagWarmupEpochs = flag.Int("warmup_epochs", 1, "Number of pure weight-training epochs before the "+
		"alternating phase. Must be >= 1.")
	flagLogEvery    = flag.Int("log_every", 50, "Steps between metric log lines.")
	flagThetaPrefix = flag.String("theta_prefix", "fbnas", "Prefix of the theta output files: "+
		"<prefix>_theta_epoch_<n>.txt.")
	flagParams = flag.String("params", "", "Hyperparameter overrides as \"key=value,key=value\", e.g. "+
		"\"alpha=0.1,init_temperature=4\".")
	flagSeed = flag.Int64("seed", 42, "Seed of the synthetic data generator.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if *flagProfiler >= 0 {
		setupHTTPProfiler()
	}
	if *flagCPUProfile != "" {
		stopCPUProfile := createCPUProfile()
		defer stopCPUProfile()
	}

	rng := rand.New(rand.NewSource(*flagSeed))
	arch := demoSpace(*flagFilters)
	if *flagMakeLatency {
		must.M(writeDemoLatencyTable(*flagLatency, arch, rng))
		klog.Infof("Wrote demo latency table to %q", *flagLatency)
	}

	backend := backends.New()
	klog.V(1).Infof("Using backend %q", backend.Name())

	net := must.M1(nas.New(backend, arch, *flagClasses, *flagLatency,
		parameters.NewFromConfigString(*flagParams)))
	trainer := nas.NewTrainer(net, *flagThetaPrefix)

	trainW := must.M1(syntheticDataset(backend, "train_w", rng))
	trainT := must.M1(syntheticDataset(backend, "train_t", rng))

	if err := trainer.Search(trainW, trainT, *flagEpochs, *flagWarmupEpochs, *flagLogEvery); err != nil {
		klog.Exitf("Search failed: %+v", err)
	}
	klog.Infof("Search finished: %d+%d epochs, final temperature %.5f",
		*flagWarmupEpochs, *flagEpochs, trainer.Temperature())
}

// syntheticDataset builds an in-memory dataset of random images and labels.
// It stands in for a real data-loading collaborator, which is outside the
// search core.
func syntheticDataset(backend backends.Backend, name string, rng *rand.Rand) (train.Dataset, error) {
	numSamples, size := *flagSamples, *flagImageSize
	pixels := make([]float32, numSamples*size*size*3)
	for ii := range pixels {
		pixels[ii] = rng.Float32()
	}
	labels := make([]int32, numSamples)
	for ii := range labels {
		labels[ii] = int32(rng.Intn(*flagClasses))
	}
	ds, err := data.InMemoryFromData(backend, name,
		[]any{tensors.FromFlatDataAndDimensions(pixels, numSamples, size, size, 3)},
		[]any{tensors.FromValue(labels)})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to build synthetic dataset %q", name)
	}
	return ds.BatchSize(*flagBatchSize, true), nil
}

// writeDemoLatencyTable generates per-candidate costs for the demo space: the
// 3x3 candidate costs roughly 9x its 1x1 alternative, with some jitter.
func writeDemoLatencyTable(path string, arch nas.Architecture, rng *rand.Rand) error {
	var b strings.Builder
	for _, group := range arch.Searchable {
		costs := make([]string, len(group))
		base := 0.5 + rng.Float64()
		for ii := range group {
			cost := base
			if ii > 0 {
				cost = base / 9
			}
			cost *= 1 + 0.1*rng.Float64()
			costs[ii] = strconv.FormatFloat(cost, 'g', 6, 64)
		}
		b.WriteString(strings.Join(costs, " "))
		b.WriteByte('\n')
	}
	return errors.Wrapf(os.WriteFile(path, []byte(b.String()), 0644),
		"failed to write latency table %q", path)
}
