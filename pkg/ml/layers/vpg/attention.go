// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package vpg implements the visual pointer-generator: attention from target positions to source positions
// routed through image patches, and the composition of the final output distribution from the vocabulary
// distribution plus textual and visual copy distributions.
//
// All tensors are batch-major:
//
//   - target states: [batch, targetLen, embedDim]
//   - source states: [batch, sourceLen, embedDim]
//   - image features: [batch, embedDim] (one aggregated vector, taken as a single patch) or
//     [batch, numPatches, embedDim].
//   - padding masks: [batch, sourceLen], true on padded positions.
//
// Attention tensors are shaped [batch, queries, keys] and are row-stochastic over the non-masked keys.
package vpg

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
)

// softmax over the last axis, in a numerically stable way.
func softmax(logits *Node) *Node {
	normalizingMax := StopGradient(ReduceAndKeep(logits, ReduceMax, -1))
	numerator := Exp(Sub(logits, normalizingMax))
	return Div(numerator, ReduceAndKeep(numerator, ReduceSum, -1))
}

// broadcastKeyMask expands a key mask shaped [batch, keys] to the shape of logits [batch, queries, keys].
// Masks already shaped like logits are returned as is.
func broadcastKeyMask(mask, logits *Node) *Node {
	if mask.Rank() == logits.Rank() {
		return mask
	}
	if mask.Rank() != 2 || logits.Rank() != 3 {
		exceptions.Panicf("key mask shaped %s doesn't match attention logits shaped %s", mask.Shape(), logits.Shape())
	}
	return BroadcastToDims(InsertAxes(mask, 1), logits.Shape().Dimensions...)
}

// MaskedRowSoftmax computes the softmax over the last axis of logits, considering only the positions where keep
// is true. Positions not kept are exactly 0, and a row with no kept position is all zeros.
//
// keep is either shaped like logits, or [batch, keys] for logits shaped [batch, queries, keys].
// If keep is nil it is a plain softmax.
func MaskedRowSoftmax(logits, keep *Node) *Node {
	if !logits.DType().IsFloat() {
		exceptions.Panicf("MaskedRowSoftmax requires float logits, got %s", logits.DType())
	}
	if keep == nil {
		return softmax(logits)
	}
	keep = broadcastKeyMask(keep, logits)
	zeros := ZerosLike(logits)

	// Masked positions are replaced by the row minimum, so the maximum is taken over kept positions only,
	// and is still finite for fully masked rows.
	rowMin := ReduceAndKeep(logits, ReduceMin, -1)
	filled := Where(keep, logits, BroadcastToDims(rowMin, logits.Shape().Dimensions...))
	normalizingMax := StopGradient(ReduceAndKeep(filled, ReduceMax, -1))

	numerator := Where(keep, Exp(Where(keep, Sub(logits, normalizingMax), zeros)), zeros)
	denominator := ReduceAndKeep(numerator, ReduceSum, -1)
	denominator = Where(Equal(denominator, ZerosLike(denominator)), OnesLike(denominator), denominator)
	return Where(keep, Div(numerator, denominator), zeros)
}

// patchesOf returns img shaped [batch, numPatches, embedDim], taking a [batch, embedDim] input as a single patch.
func patchesOf(img *Node) *Node {
	switch img.Rank() {
	case 2:
		return InsertAxes(img, 1)
	case 3:
		return img
	default:
		exceptions.Panicf("image features must be shaped [batch, embedDim] or [batch, numPatches, embedDim], got %s",
			img.Shape())
	}
	return nil
}

// checkAttentionInputs panics with a configuration error if batch or embedding dimensions disagree.
func checkAttentionInputs(target, source, img, padMask *Node) {
	if target.Rank() != 3 || source.Rank() != 3 {
		exceptions.Panicf("target and source states must be shaped [batch, len, embedDim], got %s and %s",
			target.Shape(), source.Shape())
	}
	batchSize := target.Shape().Dimensions[0]
	if source.Shape().Dimensions[0] != batchSize || img.Shape().Dimensions[0] != batchSize {
		exceptions.Panicf("batch size mismatch: target %s, source %s, image features %s",
			target.Shape(), source.Shape(), img.Shape())
	}
	embedDim := target.Shape().Dimensions[2]
	if source.Shape().Dimensions[2] != embedDim || img.Shape().Dimensions[img.Rank()-1] != embedDim {
		exceptions.Panicf("embedding dimension mismatch: target %s, source %s, image features %s",
			target.Shape(), source.Shape(), img.Shape())
	}
	if padMask != nil {
		if padMask.Rank() != 2 || padMask.Shape().Dimensions[0] != batchSize ||
			padMask.Shape().Dimensions[1] != source.Shape().Dimensions[1] {
			exceptions.Panicf("source padding mask shaped %s doesn't match source %s", padMask.Shape(), source.Shape())
		}
	}
}

// keepMask inverts a padding mask (true on padding) into a keep mask, or returns nil for a nil mask.
func keepMask(padMask *Node) *Node {
	if padMask == nil {
		return nil
	}
	return LogicalNot(padMask)
}

// DotProductAttention computes the visual attention from target to source positions through the image patches.
//
// It returns visualAttn shaped [batch, targetLen, sourceLen], the masked softmax of
// softmax(target·patchesᵀ) · softmax(source·patchesᵀ)ᵀ, and targetPatchAttn shaped [batch, targetLen, numPatches].
// padMask is true on padded source positions, and may be nil.
func DotProductAttention(target, source, img, padMask *Node) (visualAttn, targetPatchAttn *Node) {
	checkAttentionInputs(target, source, img, padMask)
	patches := patchesOf(img)
	targetPatchAttn = softmax(Einsum("btd,bpd->btp", target, patches))
	sourcePatchAttn := softmax(Einsum("bsd,bpd->bsp", source, patches))
	visualAttn = MaskedRowSoftmax(Einsum("btp,bsp->bts", targetPatchAttn, sourcePatchAttn), keepMask(padMask))
	return
}

// LearnedAttention is like DotProductAttention, but the target→patch and source→patch attentions are
// learned multi-head attention layers (scopes "target_patch" and "patch_source" of ctx), with the coefficients
// averaged over the heads.
func LearnedAttention(ctx *context.Context, target, source, img, padMask *Node, numHeads int) (visualAttn, targetPatchAttn *Node) {
	checkAttentionInputs(target, source, img, padMask)
	embedDim := target.Shape().Dimensions[2]
	if numHeads <= 0 || embedDim%numHeads != 0 {
		exceptions.Panicf("LearnedAttention: embedding dimension %d is not divisible by numHeads=%d", embedDim, numHeads)
	}
	headDim := embedDim / numHeads
	patches := patchesOf(img)

	_, coef := layers.MultiHeadAttention(ctx.In("target_patch"), target, patches, patches, numHeads, headDim).
		DoneWithCoefficients()
	targetPatchAttn = ReduceMean(coef, 2) // [batch, targetLen, numPatches]

	_, coef = layers.MultiHeadAttention(ctx.In("patch_source"), source, patches, patches, numHeads, headDim).
		DoneWithCoefficients()
	sourcePatchAttn := ReduceMean(coef, 2) // [batch, sourceLen, numPatches]

	visualAttn = MaskedRowSoftmax(Einsum("btp,bsp->bts", targetPatchAttn, sourcePatchAttn), keepMask(padMask))
	return
}

// SlicedAttention derives the visual attention from attentions already computed by a model whose encoder input is
// the source text followed by imgLen image patches.
//
//   - encoderSelfAttn: [batch, encLen, encLen], the encoder self-attention.
//   - decoderEncoderAttn: [batch, targetLen, encLen], the decoder-encoder attention.
//   - padMask: [batch, encLen], true on padded encoder positions.
//
// With textLen = encLen - imgLen, it returns visualAttn [batch, targetLen, textLen], the masked softmax of the
// target→patch attention times the patch→text attention; targetPatchAttn [batch, targetLen, imgLen]; and
// directAttn [batch, targetLen, textLen], the masked softmax of the target→text attention.
func SlicedAttention(encoderSelfAttn, decoderEncoderAttn, padMask *Node, imgLen int) (visualAttn, targetPatchAttn, directAttn *Node) {
	if encoderSelfAttn.Rank() != 3 || decoderEncoderAttn.Rank() != 3 || padMask.Rank() != 2 {
		exceptions.Panicf("SlicedAttention: unexpected ranks, encoder self-attention %s, decoder-encoder attention %s, padding mask %s",
			encoderSelfAttn.Shape(), decoderEncoderAttn.Shape(), padMask.Shape())
	}
	encLen := padMask.Shape().Dimensions[1]
	textLen := encLen - imgLen
	if imgLen <= 0 || textLen <= 0 {
		exceptions.Panicf("SlicedAttention: encoder length %d must be larger than the image length %d", encLen, imgLen)
	}
	batchSize := padMask.Shape().Dimensions[0]
	selfDims, crossDims := encoderSelfAttn.Shape().Dimensions, decoderEncoderAttn.Shape().Dimensions
	if selfDims[0] != batchSize || crossDims[0] != batchSize {
		exceptions.Panicf("SlicedAttention: batch size mismatch, encoder self-attention %s, decoder-encoder attention %s, padding mask %s",
			encoderSelfAttn.Shape(), decoderEncoderAttn.Shape(), padMask.Shape())
	}
	if selfDims[1] != encLen || selfDims[2] != encLen || crossDims[2] != encLen {
		exceptions.Panicf("SlicedAttention: encoder length mismatch, encoder self-attention %s, decoder-encoder attention %s, padding mask %s",
			encoderSelfAttn.Shape(), decoderEncoderAttn.Shape(), padMask.Shape())
	}

	keepText := LogicalNot(Slice(padMask, AxisRange(), AxisRange(0, textLen)))
	patchSourceAttn := Slice(encoderSelfAttn, AxisRange(), AxisRange(textLen), AxisRange(0, textLen))
	targetPatchAttn = Slice(decoderEncoderAttn, AxisRange(), AxisRange(), AxisRange(textLen))
	visualAttn = MaskedRowSoftmax(Einsum("btp,bps->bts", targetPatchAttn, patchSourceAttn), keepText)
	directAttn = MaskedRowSoftmax(Slice(decoderEncoderAttn, AxisRange(), AxisRange(), AxisRange(0, textLen)), keepText)
	return
}
