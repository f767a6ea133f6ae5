// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vpg

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// TripletEpsilon is added to the differences before taking the L2 distances in the triplet loss.
const TripletEpsilon = 1e-6

// pairwiseDistance returns the L2 norm of (a - b + eps) over the last axis.
func pairwiseDistance(a, b *Node) *Node {
	diff := AddScalar(Sub(a, b), TripletEpsilon)
	return Sqrt(ReduceSum(Square(diff), -1))
}

// TripletLoss is the mean over the batch of max(d(anchor, positive) - d(anchor, negative) + margin, 0), with
// d the L2 distance. All inputs are shaped [batch, embedDim].
func TripletLoss(anchor, positive, negative *Node, margin float64) *Node {
	losses := Sub(pairwiseDistance(anchor, positive), pairwiseDistance(anchor, negative))
	losses = MaxScalar(AddScalar(losses, margin), 0)
	return ReduceAllMean(losses)
}

// MarginLoss pulls together the mean text and mean image representation of each example, and pushes them away
// from those of another example of the batch.
//
// encoderOut is shaped [batch, encLen, embedDim], with the text positions first followed by imgLen image
// positions. permutation is an Int32 vector [batch] selecting the negative example for each example.
// It returns the scalar TripletLoss(text, patch, patch[perm]) + TripletLoss(patch, text, text[perm]).
func MarginLoss(encoderOut, permutation *Node, margin float64, imgLen int) *Node {
	if encoderOut.Rank() != 3 {
		exceptions.Panicf("MarginLoss: encoder output must be shaped [batch, encLen, embedDim], got %s", encoderOut.Shape())
	}
	batchSize, encLen := encoderOut.Shape().Dimensions[0], encoderOut.Shape().Dimensions[1]
	textLen := encLen - imgLen
	if imgLen <= 0 || textLen <= 0 {
		exceptions.Panicf("MarginLoss: encoder length %d must be larger than the image length %d", encLen, imgLen)
	}
	if permutation.Rank() != 1 || permutation.Shape().Dimensions[0] != batchSize {
		exceptions.Panicf("MarginLoss: permutation shaped %s doesn't match the batch size %d", permutation.Shape(), batchSize)
	}

	textVec := ReduceMean(Slice(encoderOut, AxisRange(), AxisRange(0, textLen)), 1)
	patchVec := ReduceMean(Slice(encoderOut, AxisRange(), AxisRange(textLen)), 1)
	indices := InsertAxes(permutation, -1)
	randTextVec := Gather(textVec, indices)
	randPatchVec := Gather(patchVec, indices)

	return Add(
		TripletLoss(textVec, patchVec, randPatchVec, margin),
		TripletLoss(patchVec, textVec, randTextVec, margin))
}

// RandomMarginLoss is MarginLoss with a random permutation of the batch drawn from the context's
// random number generator.
func RandomMarginLoss(ctx *context.Context, encoderOut *Node, margin float64, imgLen int) *Node {
	batchSize := encoderOut.Shape().Dimensions[0]
	permutation := RandomPermutation(ctx, encoderOut.Graph(), encoderOut.DType(), batchSize)
	return MarginLoss(encoderOut, permutation, margin, imgLen)
}

// RandomPermutation returns an Int32 vector [n] with a random permutation of 0...n-1, ranking n uniform
// random keys of the given float dtype.
func RandomPermutation(ctx *context.Context, g *Graph, dtype dtypes.DType, n int) *Node {
	return rankPermutation(ctx.RandomUniform(g, shapes.Make(dtype, n)))
}

// rankPermutation returns the rank of each value of the vector keys in ascending order, ties broken by
// position. The ranks are a permutation of 0...n-1.
func rankPermutation(keys *Node) *Node {
	if keys.Rank() != 1 {
		exceptions.Panicf("rankPermutation: keys must be a vector, got %s", keys.Shape())
	}
	g := keys.Graph()
	n := keys.Shape().Dimensions[0]
	// [i, j] entries: key and position of i versus j.
	keyI := BroadcastToDims(InsertAxes(keys, -1), n, n)
	keyJ := BroadcastToDims(InsertAxes(keys, 0), n, n)
	posI := Iota(g, shapes.Make(dtypes.Int32, n, n), 0)
	posJ := Iota(g, shapes.Make(dtypes.Int32, n, n), 1)
	before := LogicalOr(LessThan(keyJ, keyI), LogicalAnd(Equal(keyJ, keyI), LessThan(posJ, posI)))
	return ReduceSum(ConvertDType(before, dtypes.Int32), 1)
}
