package nas

import (
	"testing"

	"github.com/chewxy/math32"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/stretchr/testify/require"

	"fbnas/internal/generics"
	"fbnas/internal/parameters"
)

func TestNewRejectsWrongGroupCount(t *testing.T) {
	path, _ := writeLatencyFile(t)
	arch := testArchitecture()
	arch.Searchable = arch.Searchable[:NumSearchableLayers-1] // 21 groups.
	_, err := New(testBackend(), arch, testNumClasses, path, nil)
	require.Error(t, err)

	arch = testArchitecture()
	arch.Searchable[3] = nil // Empty candidate group.
	_, err = New(testBackend(), arch, testNumClasses, path, nil)
	require.Error(t, err)
}

func TestNewRejectsBadLatencyTable(t *testing.T) {
	arch := testArchitecture()
	_, err := New(testBackend(), arch, testNumClasses, "does-not-exist.txt", nil)
	require.Error(t, err)
}

func TestForward(t *testing.T) {
	net := newTestNetwork(t, nil)
	images, labels := testBatch(t)

	res, err := net.Forward(images, labels, DefaultTemperature)
	require.NoError(t, err)

	require.False(t, math32.IsNaN(res.Loss) || math32.IsInf(res.Loss, 0))
	require.GreaterOrEqual(t, res.Loss, float32(0))
	require.GreaterOrEqual(t, res.CrossEntropy, float32(0))
	require.GreaterOrEqual(t, res.Latency, float32(0))
	require.GreaterOrEqual(t, res.Accuracy, float32(0))
	require.LessOrEqual(t, res.Accuracy, float32(1))
	require.Equal(t, testBatchSize, net.LastBatchSize())

	// Latency cannot exceed the sum of the per-layer maxima.
	var worst float32
	for layer := range NumSearchableLayers {
		row := net.table.Row(layer)
		worst += max(row[0], row[1])
	}
	require.LessOrEqual(t, res.Latency, worst+1e-3)

	// The combined loss follows loss = ce + alpha·lat^beta.
	expected := res.CrossEntropy + 0.2*math32.Pow(res.Latency, 0.6)
	require.InDelta(t, expected, res.Loss, 1e-3)
}

func TestForwardRejectsBadTemperature(t *testing.T) {
	net := newTestNetwork(t, nil)
	images, labels := testBatch(t)
	_, err := net.Forward(images, labels, 0)
	require.Error(t, err)
	_, err = net.Forward(images, labels, -1)
	require.Error(t, err)
}

func TestForwardWithThetaOneHot(t *testing.T) {
	net := newTestNetwork(t, nil)
	images, labels := testBatch(t)
	_, rows := writeLatencyFile(t) // Same deterministic rows New loaded.

	// A huge logit gap at a tiny temperature pins every sample to one
	// candidate, so the expected latency becomes the plain sum of the chosen
	// column of the table.
	for candidate := range 2 {
		thetas := make([][]float32, NumSearchableLayers)
		for ii := range thetas {
			theta := []float32{0, 0}
			theta[candidate] = 1000
			thetas[ii] = theta
		}
		var want float32
		for _, row := range rows {
			want += row[candidate]
		}
		res, err := net.ForwardWithTheta(images, labels, 0.01, thetas)
		require.NoError(t, err)
		require.InDelta(t, want, res.Latency, 0.5)
	}

	// The stored architecture parameters were not touched.
	for _, theta := range net.Theta() {
		require.Equal(t, []float32{1, 1}, theta)
	}
}

func TestForwardWithThetaValidatesShape(t *testing.T) {
	net := newTestNetwork(t, nil)
	images, labels := testBatch(t)

	_, err := net.ForwardWithTheta(images, labels, 1.0, make([][]float32, 3))
	require.Error(t, err)

	thetas := generics.SliceWithValue(NumSearchableLayers, []float32{1, 2, 3})
	_, err = net.ForwardWithTheta(images, labels, 1.0, thetas)
	require.Error(t, err)
}

func TestNewHyperparameterOverrides(t *testing.T) {
	// With alpha=0 the latency term vanishes and loss == cross-entropy.
	net := newTestNetwork(t, parameters.NewFromConfigString("alpha=0,beta=1"))
	images, labels := testBatch(t)
	res, err := net.Forward(images, labels, DefaultTemperature)
	require.NoError(t, err)
	require.InDelta(t, res.CrossEntropy, res.Loss, 1e-5)

	// Theta initialization constant is configurable.
	net = newTestNetwork(t, parameters.NewFromConfigString("init_theta=0.5"))
	for _, theta := range net.Theta() {
		require.Equal(t, []float32{0.5, 0.5}, theta)
	}

	// Unknown hyperparameters fail construction.
	path, _ := writeLatencyFile(t)
	_, err = New(testBackend(), testArchitecture(), testNumClasses, path,
		parameters.NewFromConfigString("no_such_param=1"))
	require.Error(t, err)
}

func TestThetaReturnsCopies(t *testing.T) {
	net := newTestNetwork(t, nil)
	thetas := net.Theta()
	require.Len(t, thetas, NumSearchableLayers)
	thetas[0][0] = 99
	require.Equal(t, []float32{1, 1}, net.Theta()[0])
}

func TestFromParamsTypeErrors(t *testing.T) {
	ctx := context.New()
	ctx.SetParams(map[string]any{"alpha": 0.2})
	err := FromParams(parameters.NewFromConfigString("alpha=not-a-number"), ctx)
	require.Error(t, err)
}
