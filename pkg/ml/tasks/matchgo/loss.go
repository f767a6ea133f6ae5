// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package matchgo

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/vpgmt/pkg/ml/layers/vpg"
)

// HeadConfig returns the configuration of the output head for the target vocabulary.
func (t *Task) HeadConfig() vpg.HeadConfig {
	return vpg.HeadConfig{
		VocabSize: t.TgtDict.Len(),
		Mode:      t.Config.CopyMode,
		NumHeads:  t.Config.VisualAttentionHeads,
		LogProbs:  true,
	}
}

// TrainingLoss builds the output head over in and returns the loss per target token: the negative
// log-likelihood of target averaged over the non-pad tokens. With AddRelMargin, the margin loss between the text
// and image encoder states (a random permutation of the batch as negatives) is added, for sliced modes only,
// since it needs the image positions in in.EncoderStates.
//
// target is shaped [batch, targetLen].
func (t *Task) TrainingLoss(ctx *context.Context, in vpg.HeadInputs, target *Node) (loss *Node, out *vpg.HeadOutputs) {
	cfg := t.Config
	if cfg.CopyMode.IsSliced() && in.ImgLen == 0 {
		in.ImgLen = cfg.ImgLen
	}
	out = vpg.Head(ctx, t.HeadConfig(), in)
	nll, numTokens := vpg.Loss(out.Dist, target, int(t.TgtDict.Pad()))
	loss = Div(nll, MaxScalar(numTokens, 1))
	if cfg.AddRelMargin && cfg.CopyMode.IsSliced() {
		margin := vpg.RandomMarginLoss(ctx.In("rel_margin"), in.EncoderStates, cfg.RelMargin, in.ImgLen)
		loss = Add(loss, margin)
	}
	return loss, out
}
