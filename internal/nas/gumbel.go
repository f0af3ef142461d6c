package nas

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
)

// gumbelSoftmax draws one differentiable sample from the categorical
// distribution with unnormalized scores theta: Softmax((theta + G)/temperature)
// with G ~ Gumbel(0, 1), independently for every example of the batch.
//
// theta is shaped [1, numCandidates] (broadcast across the batch), temperature
// is a positive scalar. The result is shaped [batchSize, numCandidates] and
// every row sums to 1; lower temperatures push rows towards one-hot.
func gumbelSoftmax(ctx *context.Context, theta, temperature *Node, batchSize int) *Node {
	g := theta.Graph()
	numCandidates := theta.Shape().Dim(-1)
	uniform := ctx.RandomUniform(g, shapes.Make(theta.DType(), batchSize, numCandidates))
	// Gumbel(0,1) noise is -log(-log(U)); the epsilons guard log(0).
	gumbel := Neg(Log(AddScalar(Neg(Log(AddScalar(uniform, 1e-10))), 1e-10)))
	return Softmax(Div(Add(theta, gumbel), temperature), -1)
}
