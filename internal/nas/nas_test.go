package nas

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/require"

	"fbnas/internal/parameters"
)

// testBackend is a singleton, shared by all tests in the package.
var testBackend = sync.OnceValue(func() backends.Backend { return backends.New() })

// scaleBlock returns a parameterless block multiplying its input by factor.
func scaleBlock(factor float64) Block {
	return func(ctx *context.Context, x *Node) *Node {
		return MulScalar(x, factor)
	}
}

// testArchitecture builds the smallest valid search space: 22 groups of 2
// cheap candidates each, around trivial stems.
func testArchitecture() Architecture {
	groups := make([][]Block, NumSearchableLayers)
	for ii := range groups {
		groups[ii] = []Block{scaleBlock(1.0), scaleBlock(0.5)}
	}
	return Architecture{
		InputStem:  []Block{scaleBlock(2.0)},
		Searchable: groups,
		OutputStem: []Block{scaleBlock(1.0)},
	}
}

// writeLatencyFile writes one "<fast> <slow>" row per searchable layer and
// returns the path and the rows.
func writeLatencyFile(t *testing.T) (string, [][]float32) {
	t.Helper()
	rows := make([][]float32, NumSearchableLayers)
	var b strings.Builder
	for ii := range rows {
		fast := float32(ii + 1)
		slow := 2 * fast
		rows[ii] = []float32{fast, slow}
		fmt.Fprintf(&b, "%g %g\n", fast, slow)
	}
	path := filepath.Join(t.TempDir(), "speed.txt")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0644))
	return path, rows
}

const (
	testNumClasses = 4
	testBatchSize  = 4
)

// testBatch returns a [4, 2, 2, 1] image batch and its 4 integer labels.
func testBatch(t *testing.T) (images, labels *tensors.Tensor) {
	t.Helper()
	rng := rand.New(rand.NewSource(42))
	pixels := make([]float32, testBatchSize*2*2*1)
	for ii := range pixels {
		pixels[ii] = rng.Float32()
	}
	images = tensors.FromFlatDataAndDimensions(pixels, testBatchSize, 2, 2, 1)
	labels = tensors.FromValue([]int32{0, 1, 2, 1})
	return
}

func newTestNetwork(t *testing.T, params parameters.Params) *Network {
	t.Helper()
	path, _ := writeLatencyFile(t)
	net, err := New(testBackend(), testArchitecture(), testNumClasses, path, params)
	require.NoError(t, err)
	return net
}
