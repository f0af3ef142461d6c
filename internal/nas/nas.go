// Package nas implements FBNet-style differentiable neural architecture search:
// a supernet whose searchable layers are soft mixtures of candidate blocks,
// trained jointly with per-layer architecture parameters ("theta") through a
// Gumbel-Softmax relaxation, with a hardware latency term added to the loss.
//
// The candidate blocks are opaque collaborators: any graph-building function
// from feature tensor to feature tensor. The package composes them but never
// inspects their internals.
package nas

import (
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/pkg/errors"
)

// NumSearchableLayers is the hard-coded contract of this search space: the
// number of candidate groups a supernet must have.
const NumSearchableLayers = 22

// DefaultTemperature is the Gumbel-Softmax temperature used when the caller
// does not provide one.
const DefaultTemperature = float32(5.0)

// Block is an opaque feature transformation: it builds the graph of one
// candidate (or fixed) operation on x, creating its variables under ctx.
// Implementations must accept a feature tensor and return a feature tensor of
// compatible shape.
type Block func(ctx *context.Context, x *graph.Node) *graph.Node

// Architecture is the explicit three-part definition of a supernet: fixed
// input stem blocks, then one candidate group per searchable layer, then
// fixed output stem blocks. Group order must match the latency table rows.
type Architecture struct {
	InputStem  []Block
	Searchable [][]Block
	OutputStem []Block
}

// Validate checks the construction-time contracts: exactly NumSearchableLayers
// candidate groups, none of them empty.
func (a Architecture) Validate() error {
	if len(a.Searchable) != NumSearchableLayers {
		return errors.Errorf("architecture has %d searchable candidate groups, this search space requires exactly %d",
			len(a.Searchable), NumSearchableLayers)
	}
	for ii, group := range a.Searchable {
		if len(group) == 0 {
			return errors.Errorf("searchable candidate group %d is empty", ii)
		}
	}
	return nil
}
