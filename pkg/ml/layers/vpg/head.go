// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vpg

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
)

// Gate returns sigmoid(dense(concat(inputs))), one scalar per position: inputs are shaped [batch, len, *] and
// the result is [batch, len, 1].
func Gate(ctx *context.Context, inputs ...*Node) *Node {
	if len(inputs) == 0 {
		exceptions.Panicf("Gate requires at least one input")
	}
	x := inputs[0]
	if len(inputs) > 1 {
		x = Concatenate(inputs, -1)
	}
	return Sigmoid(layers.Dense(ctx, x, true, 1))
}

// HeadInputs are the decoder-side tensors consumed by Head.
type HeadInputs struct {
	// DecoderStates are the last decoder layer outputs, [batch, targetLen, embedDim].
	DecoderStates *Node

	// EncoderStates are the encoder outputs, [batch, encLen, embedDim]. For sliced modes encLen includes the
	// ImgLen image positions at the end.
	EncoderStates *Node

	// DecoderEncoderAttn is the decoder-encoder attention, [batch, targetLen, encLen].
	DecoderEncoderAttn *Node

	// EncoderSelfAttn is the last encoder self-attention, [batch, encLen, encLen]. Only used by sliced modes.
	EncoderSelfAttn *Node

	// SrcTokens [batch, sourceLen] and SrcPadMask [batch, encLen] (true on padding).
	SrcTokens, SrcPadMask *Node

	// Img holds the image features, [batch, embedDim] or [batch, numPatches, embedDim]. Not used by sliced modes.
	Img *Node

	// ImgLen is the number of image positions at the end of the encoder input, for sliced modes.
	ImgLen int
}

// HeadConfig configures Head.
type HeadConfig struct {
	VocabSize int
	Mode      CopyMode

	// NumHeads > 0 uses LearnedAttention with that many heads, otherwise DotProductAttention.
	// Not used by sliced modes.
	NumHeads int

	LogProbs bool
}

// HeadOutputs holds the final distribution and the intermediate values, for inspection and losses.
type HeadOutputs struct {
	// Dist is the final distribution (or log-distribution), [batch, targetLen, vocabSize].
	Dist *Node

	Logits          *Node
	PGen            *Node
	PVisualCopy     *Node
	TextAttn        *Node
	VisualAttn      *Node
	TargetPatchAttn *Node
}

// Head projects the decoder states to the vocabulary and composes the output distribution with the copy
// distributions selected by cfg.Mode.
//
// Variables are created under the scopes "output_projection", "p_gen", "p_visual_copy" and "visual_attention"
// of ctx.
func Head(ctx *context.Context, cfg HeadConfig, in HeadInputs) *HeadOutputs {
	if cfg.VocabSize <= 0 {
		exceptions.Panicf("vpg.Head: invalid vocabulary size %d", cfg.VocabSize)
	}
	out := &HeadOutputs{}
	out.Logits = layers.Dense(ctx.In("output_projection"), in.DecoderStates, false, cfg.VocabSize)

	encoderText := in.EncoderStates
	out.TextAttn = in.DecoderEncoderAttn
	if cfg.Mode.IsSliced() {
		if in.EncoderSelfAttn == nil {
			exceptions.Panicf("vpg.Head: copy mode %s requires the encoder self-attention", cfg.Mode)
		}
		out.VisualAttn, out.TargetPatchAttn, out.TextAttn = SlicedAttention(
			in.EncoderSelfAttn, in.DecoderEncoderAttn, in.SrcPadMask, in.ImgLen)
		textLen := in.SrcPadMask.Shape().Dimensions[1] - in.ImgLen
		encoderText = Slice(in.EncoderStates, AxisRange(), AxisRange(0, textLen))
	} else if cfg.Mode.UsesVisualCopy() {
		if cfg.NumHeads > 0 {
			out.VisualAttn, out.TargetPatchAttn = LearnedAttention(ctx.In("visual_attention"),
				in.DecoderStates, in.EncoderStates, in.Img, in.SrcPadMask, cfg.NumHeads)
		} else {
			out.VisualAttn, out.TargetPatchAttn = DotProductAttention(
				in.DecoderStates, in.EncoderStates, in.Img, in.SrcPadMask)
		}
	}
	srcTokens := in.SrcTokens
	if srcTokens.Shape().Dimensions[1] != encoderText.Shape().Dimensions[1] {
		exceptions.Panicf("vpg.Head: source tokens shaped %s don't match the text encoder states %s",
			srcTokens.Shape(), encoderText.Shape())
	}

	textContext := Einsum("bts,bsd->btd", out.TextAttn, encoderText)
	out.PGen = Gate(ctx.In("p_gen"), in.DecoderStates, textContext)
	if cfg.Mode.UsesVisualCopy() && cfg.Mode.UsesTextCopy() {
		visualContext := Einsum("bts,bsd->btd", out.VisualAttn, encoderText)
		out.PVisualCopy = Gate(ctx.In("p_visual_copy"), in.DecoderStates, textContext, visualContext)
	}
	out.Dist = FinalDistribution(out.Logits, out.PGen, out.PVisualCopy, srcTokens,
		out.TextAttn, out.VisualAttn, cfg.Mode, cfg.LogProbs)
	return out
}

// Loss returns the negative log-likelihood of target under logProbs summed over the non-pad target positions,
// and the number of such positions.
//
// logProbs is shaped [batch, targetLen, vocabSize] and target [batch, targetLen].
func Loss(logProbs, target *Node, padID int) (loss, numTokens *Node) {
	g := logProbs.Graph()
	vocabSize := logProbs.Shape().Dimensions[logProbs.Rank()-1]
	oneHot := OneHot(target, vocabSize, logProbs.DType())
	nll := Neg(ReduceSum(Mul(oneHot, logProbs), -1))
	keep := NotEqual(target, Scalar(g, target.DType(), float64(padID)))
	loss = ReduceAllSum(Where(keep, nll, ZerosLike(nll)))
	numTokens = ReduceAllSum(ConvertDType(keep, logProbs.DType()))
	return
}
