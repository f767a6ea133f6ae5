// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package langpair

import (
	"slices"
	"sort"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Batch is a collated set of examples, sorted by decreasing source length.
type Batch struct {
	// IDs are the example indices, in batch order.
	IDs []int

	// NumTokens is the number of (non-pad) target tokens, or source tokens if there are no targets.
	NumTokens int

	// SrcTokens is shaped [batch][srcWidth], SrcLengths holds the unpadded lengths.
	SrcTokens  [][]int32
	SrcLengths []int32

	// Target and PrevOutputTokens are shaped [batch][tgtWidth]. PrevOutputTokens is the target with the
	// eos moved to the front, used as decoder input. Both are nil if there are no targets.
	Target           [][]int32
	PrevOutputTokens [][]int32

	// Img is shaped [batch][dim].
	Img [][]float32

	// SkuTokens is shaped [batch][skuWidth], padded on the same side as the source, and SkuLengths holds the
	// unpadded lengths. Both are nil if the dataset has no sku stream.
	SkuTokens  [][]int32
	SkuLengths []int32

	// Alignments are (srcPosition, batchIdx*tgtWidth+tgtPosition) pairs, already shifted by the padding,
	// and AlignWeights holds 1/count of each target position. Both are nil if alignments were not loaded.
	Alignments   [][2]int32
	AlignWeights []float32
}

// Size returns the number of examples in the batch.
func (b *Batch) Size() int { return len(b.IDs) }

// Tensors converts the batch to the tensors yielded by Dataset.
//
// inputs are the source tokens and lengths, the decoder input (if there are targets), the image features, and
// the sku tokens and lengths (if present). labels holds the target, if there is one.
func (b *Batch) Tensors() (inputs, labels []*tensors.Tensor) {
	batchSize := len(b.IDs)
	inputs = append(inputs,
		tensors.FromFlatDataAndDimensions(flatten(b.SrcTokens), batchSize, rowWidth(b.SrcTokens)),
		tensors.FromFlatDataAndDimensions(slices.Clone(b.SrcLengths), batchSize))
	if b.Target != nil {
		inputs = append(inputs,
			tensors.FromFlatDataAndDimensions(flatten(b.PrevOutputTokens), batchSize, rowWidth(b.PrevOutputTokens)))
		labels = append(labels,
			tensors.FromFlatDataAndDimensions(flatten(b.Target), batchSize, rowWidth(b.Target)))
	}
	inputs = append(inputs, tensors.FromFlatDataAndDimensions(flatten(b.Img), batchSize, rowWidth(b.Img)))
	if b.SkuTokens != nil {
		inputs = append(inputs,
			tensors.FromFlatDataAndDimensions(flatten(b.SkuTokens), batchSize, rowWidth(b.SkuTokens)),
			tensors.FromFlatDataAndDimensions(slices.Clone(b.SkuLengths), batchSize))
	}
	return
}

func flatten[T int32 | float32](rows [][]T) []T {
	flat := make([]T, 0, len(rows)*rowWidth(rows))
	for _, row := range rows {
		flat = append(flat, row...)
	}
	return flat
}

func rowWidth[T any](rows [][]T) int {
	if len(rows) == 0 {
		return 0
	}
	return len(rows[0])
}

// Collate builds the Batch for the given example indices.
func (d *Dataset) Collate(indices []int) (*Batch, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.collateLocked(indices)
}

func (d *Dataset) collateLocked(indices []int) (*Batch, error) {
	if len(indices) == 0 {
		return nil, errors.Errorf("dataset %q: cannot collate an empty batch", d.name)
	}
	for _, idx := range indices {
		if idx < 0 || idx >= d.Len() {
			return nil, errors.Errorf("dataset %q: example index %d out of range [0, %d)", d.name, idx, d.Len())
		}
	}
	ids := slices.Clone(indices)
	sort.SliceStable(ids, func(a, b int) bool { return d.srcSizes[ids[a]] > d.srcSizes[ids[b]] })

	b := &Batch{IDs: ids}
	pad := d.srcDict.Pad()

	// Source.
	srcWidth := 0
	for _, idx := range ids {
		srcSize, _ := d.Size(idx)
		srcWidth = max(srcWidth, srcSize)
	}
	srcWidth = d.padWidth(srcWidth)
	b.SrcTokens = make([][]int32, len(ids))
	b.SrcLengths = make([]int32, len(ids))
	for ii, idx := range ids {
		seq := d.src.Get(idx)
		b.SrcTokens[ii] = padSequence(seq, srcWidth, pad, d.opts.LeftPadSource)
		b.SrcLengths[ii] = int32(len(seq))
		b.NumTokens += len(seq)
	}

	// Target and decoder input.
	var tgtWidth int
	if d.tgt != nil {
		b.NumTokens = 0
		for _, idx := range ids {
			_, tgtSize := d.Size(idx)
			tgtWidth = max(tgtWidth, tgtSize)
		}
		tgtWidth = d.padWidth(tgtWidth)
		tgtPad := d.tgtDict.Pad()
		b.Target = make([][]int32, len(ids))
		b.PrevOutputTokens = make([][]int32, len(ids))
		for ii, idx := range ids {
			seq := d.tgt.Get(idx)
			b.Target[ii] = padSequence(seq, tgtWidth, tgtPad, d.opts.LeftPadTarget)
			b.PrevOutputTokens[ii] = padSequence(moveEosToBeginning(seq, d.eos), tgtWidth, tgtPad, d.opts.LeftPadTarget)
			b.NumTokens += len(seq)
		}
	}

	// Image features.
	b.Img = make([][]float32, len(ids))
	for ii, idx := range ids {
		vec, err := d.images.Get(idx)
		if err != nil {
			return nil, errors.WithMessagef(err, "dataset %q", d.name)
		}
		if ii > 0 && len(vec) != len(b.Img[0]) {
			return nil, errors.Wrapf(ErrFeatureDimMismatch, "dataset %q: example %d has image feature dim %d, example %d has %d",
				d.name, idx, len(vec), ids[0], len(b.Img[0]))
		}
		b.Img[ii] = slices.Clone(vec)
	}

	// Sku tokens.
	if d.sku != nil {
		skuWidth := 0
		for _, idx := range ids {
			skuWidth = max(skuWidth, d.sku.Size(idx))
		}
		skuWidth = d.padWidth(skuWidth)
		b.SkuTokens = make([][]int32, len(ids))
		b.SkuLengths = make([]int32, len(ids))
		for ii, idx := range ids {
			seq := d.sku.Get(idx)
			b.SkuTokens[ii] = padSequence(seq, skuWidth, pad, d.opts.LeftPadSource)
			b.SkuLengths[ii] = int32(len(seq))
		}
	}

	// Alignments.
	if d.align != nil && d.tgt != nil {
		d.collateAlignments(b, srcWidth, tgtWidth)
	}
	return b, nil
}

// collateAlignments shifts the alignment pairs of each example by its padding offsets and computes their weights.
func (d *Dataset) collateAlignments(b *Batch, srcWidth, tgtWidth int) {
	b.Alignments = [][2]int32{}
	for ii, idx := range b.IDs {
		srcLen, tgtLen := d.srcSizes[idx], d.tgtSizes[idx]
		pairs := d.align.Get(idx)
		if !validAlignment(pairs, srcLen, tgtLen) {
			continue
		}
		srcOffset := 0
		if d.opts.LeftPadSource {
			srcOffset = srcWidth - srcLen
		}
		tgtOffset := ii * tgtWidth
		if d.opts.LeftPadTarget {
			tgtOffset += tgtWidth - tgtLen
		}
		for _, p := range pairs {
			b.Alignments = append(b.Alignments, [2]int32{p[0] + int32(srcOffset), p[1] + int32(tgtOffset)})
		}
	}
	counts := make(map[int32]int, len(b.Alignments))
	for _, p := range b.Alignments {
		counts[p[1]]++
	}
	b.AlignWeights = make([]float32, len(b.Alignments))
	for ii, p := range b.Alignments {
		b.AlignWeights[ii] = 1.0 / float32(counts[p[1]])
	}
}

// padWidth rounds width up to PadToMultiple and to the width bucketing strategy, if set.
func (d *Dataset) padWidth(width int) int {
	m := d.opts.PadToMultiple
	if d.widthBucketing != nil {
		width = d.widthBucketing(width)
	}
	if m > 1 && width%m != 0 {
		width = (width/m + 1) * m
	}
	return width
}

// padSequence returns seq padded to width with pad, on the left or on the right.
func padSequence(seq []int32, width int, pad int32, left bool) []int32 {
	out := make([]int32, width)
	offset := 0
	if left {
		offset = width - len(seq)
	}
	for ii := range out {
		out[ii] = pad
	}
	copy(out[offset:], seq)
	return out
}

// moveEosToBeginning returns [eos] + seq[:len(seq)-1].
func moveEosToBeginning(seq []int32, eos int32) []int32 {
	out := make([]int32, len(seq))
	if len(seq) == 0 {
		return out
	}
	out[0] = eos
	copy(out[1:], seq[:len(seq)-1])
	return out
}

// lengthBuckets returns the distinct lengths at percentiles 100/numBuckets, 200/numBuckets, ..., 100 of sizes,
// using the "lower" interpolation.
func lengthBuckets(sizes []int, numBuckets int) []int {
	if len(sizes) == 0 {
		return nil
	}
	sorted := slices.Clone(sizes)
	slices.Sort(sorted)
	n := len(sorted)
	buckets := make([]int, 0, numBuckets)
	for k := 1; k <= numBuckets; k++ {
		buckets = append(buckets, sorted[k*(n-1)/numBuckets])
	}
	return slices.Compact(buckets)
}

// bucketedSizes maps every size to the smallest bucket that holds it.
func bucketedSizes(sizes, buckets []int) []int {
	out := make([]int, len(sizes))
	for ii, size := range sizes {
		pos, _ := slices.BinarySearch(buckets, size)
		out[ii] = buckets[pos]
	}
	return out
}

func uniqueSorted(values []int) []int {
	out := slices.Clone(values)
	slices.Sort(out)
	return slices.Compact(out)
}
