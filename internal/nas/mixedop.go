package nas

import (
	"fmt"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
)

// MixedOp applies every candidate block to x and returns the weighted sum
// Σ_i weights[:, i]·block_i(x), the continuous stand-in for picking one block.
//
// weights must be shaped [batchSize, len(blocks)]: each per-example scalar
// weight multiplies the whole feature tensor its block produced. Blocks create
// their variables under per-candidate child scopes of ctx, so candidates keep
// separate parameters across calls.
func MixedOp(ctx *context.Context, blocks []Block, x *Node, weights *Node) *Node {
	if weights.Shape().Dim(-1) != len(blocks) {
		exceptions.Panicf("nas.MixedOp: weight vector has %d entries for %d candidate blocks",
			weights.Shape().Dim(-1), len(blocks))
	}
	var sum *Node
	for ii, block := range blocks {
		out := block(ctx.In(fmt.Sprintf("candidate_%02d", ii)), x)
		w := Slice(weights, AxisRange(), AxisElem(ii)) // [batch, 1]
		for w.Rank() < out.Rank() {
			w = ExpandAxes(w, -1)
		}
		weighted := Mul(w, out)
		if sum == nil {
			sum = weighted
		} else {
			sum = Add(sum, weighted)
		}
	}
	return sum
}
