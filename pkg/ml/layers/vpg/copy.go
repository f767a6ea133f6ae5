// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vpg

import (
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// ProbabilityEpsilon bounds the final distribution to [ProbabilityEpsilon, 1-ProbabilityEpsilon].
const ProbabilityEpsilon = 1e-6

// CopyMode selects which copy distributions are mixed with the vocabulary distribution.
type CopyMode int

const (
	// ModeTextCopy copies from the source text only ("tpg").
	ModeTextCopy CopyMode = iota

	// ModeSlicedTextCopy is ModeTextCopy with attentions sliced from a joint text+image encoder ("new_tpg").
	ModeSlicedTextCopy

	// ModeVisualCopy copies through the visual attention only ("single_vpg").
	ModeVisualCopy

	// ModeSlicedVisualCopy is ModeVisualCopy with sliced attentions ("new_single_vpg").
	ModeSlicedVisualCopy

	// ModeCombined mixes the textual and visual copy distributions with p_visual_copy ("vpg").
	ModeCombined

	// ModeCombinedTest is the same as ModeCombined ("vpg_test").
	ModeCombinedTest

	// ModeSlicedCombined is ModeCombined with sliced attentions ("new_vpg").
	ModeSlicedCombined
)

// ErrCopyModeNotImplemented is wrapped by ParseCopyMode errors.
var ErrCopyModeNotImplemented = errors.New("copy mode not implemented")

var copyModeNames = map[string]CopyMode{
	"tpg":            ModeTextCopy,
	"new_tpg":        ModeSlicedTextCopy,
	"single_vpg":     ModeVisualCopy,
	"new_single_vpg": ModeSlicedVisualCopy,
	"vpg":            ModeCombined,
	"vpg_test":       ModeCombinedTest,
	"new_vpg":        ModeSlicedCombined,
}

// ParseCopyMode converts the name used in configurations ("tpg", "vpg", "new_vpg", ...) to a CopyMode.
func ParseCopyMode(name string) (CopyMode, error) {
	if mode, found := copyModeNames[name]; found {
		return mode, nil
	}
	names := maps.Keys(copyModeNames)
	slices.Sort(names)
	return 0, errors.Wrapf(ErrCopyModeNotImplemented, "%q, valid modes are %s", name, strings.Join(names, ", "))
}

// String returns the configuration name of the mode.
func (m CopyMode) String() string {
	for name, mode := range copyModeNames {
		if mode == m {
			return name
		}
	}
	return "CopyMode(?)"
}

// UsesVisualCopy reports whether the mode needs the visual attention.
func (m CopyMode) UsesVisualCopy() bool {
	return m != ModeTextCopy && m != ModeSlicedTextCopy
}

// UsesTextCopy reports whether the mode mixes in the textual copy distribution.
func (m CopyMode) UsesTextCopy() bool {
	return m != ModeVisualCopy && m != ModeSlicedVisualCopy
}

// IsSliced reports whether the attentions come from a joint text+image encoder (see SlicedAttention).
func (m CopyMode) IsSliced() bool {
	return m == ModeSlicedTextCopy || m == ModeSlicedVisualCopy || m == ModeSlicedCombined
}

// ScatterToVocab accumulates the attention over source positions into the vocabulary ids of the source tokens:
// copy[b, t, srcTokens[b, s]] += attn[b, t, s].
//
// attn is shaped [batch, targetLen, sourceLen] and srcTokens [batch, sourceLen]. The result is shaped
// [batch, targetLen, vocabSize], with the dtype of attn.
func ScatterToVocab(attn, srcTokens *Node, vocabSize int) *Node {
	g := attn.Graph()
	if attn.Rank() != 3 || srcTokens.Rank() != 2 {
		exceptions.Panicf("ScatterToVocab: attention must be [batch, targetLen, sourceLen] and source tokens [batch, sourceLen], got %s and %s",
			attn.Shape(), srcTokens.Shape())
	}
	dims := attn.Shape().Dimensions
	if srcTokens.Shape().Dimensions[0] != dims[0] || srcTokens.Shape().Dimensions[1] != dims[2] {
		exceptions.Panicf("ScatterToVocab: source tokens shaped %s don't match attention shaped %s",
			srcTokens.Shape(), attn.Shape())
	}
	indicesShape := shapes.Make(dtypes.Int32, dims...)
	batchIdx := Iota(g, indicesShape, 0)
	targetIdx := Iota(g, indicesShape, 1)
	tokenIdx := BroadcastToDims(InsertAxes(ConvertDType(srcTokens, dtypes.Int32), 1), dims...)
	indices := Stack([]*Node{batchIdx, targetIdx, tokenIdx}, -1) // [batch, targetLen, sourceLen, 3]

	operand := Zeros(g, shapes.Make(attn.DType(), dims[0], dims[1], vocabSize))
	return ScatterSum(operand, indices, attn, false, false)
}

// FinalDistribution composes the output distribution over the vocabulary:
//
//	vocab = softmax(logits)
//	text  = ScatterToVocab(textAttn, srcTokens)
//	visual = ScatterToVocab(visualAttn, srcTokens)
//	copy  = text (text modes), visual (visual modes) or pVisualCopy·visual + (1-pVisualCopy)·text (combined modes)
//	final = clip(pGen·vocab + (1-pGen)·copy, ε, 1-ε)
//
// logits are [batch, targetLen, vocabSize]; pGen and pVisualCopy [batch, targetLen, 1]; textAttn and
// visualAttn [batch, targetLen, sourceLen]. visualAttn and pVisualCopy are not used (and may be nil) in the text
// copy modes, and pVisualCopy in the visual copy modes. It returns log-probabilities if logProbs is set.
func FinalDistribution(logits, pGen, pVisualCopy, srcTokens, textAttn, visualAttn *Node, mode CopyMode, logProbs bool) *Node {
	if mode < ModeTextCopy || mode > ModeSlicedCombined {
		exceptions.Panicf("FinalDistribution: %v: %d", ErrCopyModeNotImplemented, int(mode))
	}
	if mode.UsesVisualCopy() && visualAttn == nil {
		exceptions.Panicf("FinalDistribution: mode %s requires the visual attention", mode)
	}
	vocabSize := logits.Shape().Dimensions[logits.Rank()-1]
	vocabDist := softmax(logits)

	var copyDist *Node
	switch {
	case !mode.UsesVisualCopy():
		copyDist = ScatterToVocab(ConvertDType(textAttn, vocabDist.DType()), srcTokens, vocabSize)
	case !mode.UsesTextCopy():
		copyDist = ScatterToVocab(ConvertDType(visualAttn, vocabDist.DType()), srcTokens, vocabSize)
	default:
		if pVisualCopy == nil {
			exceptions.Panicf("FinalDistribution: mode %s requires pVisualCopy", mode)
		}
		textCopy := ScatterToVocab(ConvertDType(textAttn, vocabDist.DType()), srcTokens, vocabSize)
		visualCopy := ScatterToVocab(ConvertDType(visualAttn, vocabDist.DType()), srcTokens, vocabSize)
		copyDist = Add(Mul(pVisualCopy, visualCopy), Mul(OneMinus(pVisualCopy), textCopy))
	}

	final := Add(Mul(pGen, vocabDist), Mul(OneMinus(pGen), copyDist))
	final = ClipScalar(final, ProbabilityEpsilon, 1-ProbabilityEpsilon)
	if logProbs {
		return Log(final)
	}
	return final
}
