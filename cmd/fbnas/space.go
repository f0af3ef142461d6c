package main

import (
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"

	"fbnas/internal/nas"
)

// demoSpace builds the demo search space: 22 searchable layers, each choosing
// between an expressive 3x3 convolution and a cheap pointwise one. Real
// deployments plug in their own block libraries here (bottlenecks, depthwise
// convolutions, ...); the search core treats all of them as black boxes.
func demoSpace(filters int) nas.Architecture {
	groups := make([][]nas.Block, nas.NumSearchableLayers)
	for ii := range groups {
		groups[ii] = []nas.Block{convBlock(3, filters), convBlock(1, filters)}
	}
	return nas.Architecture{
		InputStem:  []nas.Block{convBlock(3, filters)},
		Searchable: groups,
		OutputStem: []nas.Block{convBlock(1, 2 * filters)},
	}
}

// convBlock returns a same-padded convolution followed by a relu. All
// candidates preserve the spatial dimensions, so any mixture of them is
// shape-compatible.
func convBlock(kernelSize, filters int) nas.Block {
	return func(ctx *context.Context, x *graph.Node) *graph.Node {
		x = layers.Convolution(ctx, x).Filters(filters).KernelSize(kernelSize).PadSame().Done()
		return activations.Relu(x)
	}
}
