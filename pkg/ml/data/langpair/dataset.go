// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package langpair assembles parallel text and per-example image features into batches for
// multimodal translation.
//
// The building blocks are TokenDataset (sequences of vocabulary ids, with Strip, Truncate, Append,
// Prepend and Concat wrappers), Alignments and an imagefeatures.Store. Load discovers the files of
// a split on disk and builds a Dataset, which implements train.Dataset.
package langpair

import (
	"fmt"
	"io"
	"math/bits"
	"math/rand"
	"slices"
	"sort"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/vpgmt/pkg/ml/data/dictionary"
	"github.com/gomlx/vpgmt/pkg/ml/data/imagefeatures"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Options configure how a Dataset collates examples into batches.
type Options struct {
	// LeftPadSource and LeftPadTarget select on which side the pad tokens go.
	LeftPadSource, LeftPadTarget bool

	// NumBuckets, if > 0, groups examples into that many length buckets (by percentile of the lengths)
	// and pads every example up to its bucket's length. This limits the number of distinct batch shapes.
	NumBuckets int

	// PadToMultiple rounds the padded width of every batch up to a multiple of this value.
	PadToMultiple int

	// Eos is the token placed at the start of the decoder input (prev_output_tokens).
	// 0 means the target dictionary's eos.
	Eos int32
}

// Dataset of ParallelExamples: source tokens, optional target tokens, an image feature vector per
// example and optional alignments. It implements train.Dataset, yielding:
//
//   - inputs: [srcTokens, srcLengths, prevOutputTokens, img] (without prevOutputTokens if there are no targets).
//   - labels: [target] (empty if there are no targets).
//
// Shapes are [batch, srcWidth] int32, [batch] int32, [batch, tgtWidth] int32, [batch, dim] float32 and
// [batch, tgtWidth] int32.
type Dataset struct {
	name             string
	src, tgt         TokenDataset
	srcDict, tgtDict *dictionary.Dictionary
	align            *Alignments
	sku              TokenDataset
	images           *imagefeatures.Store
	opts             Options
	eos              int32

	srcSizes, tgtSizes       []int
	srcBucketed, tgtBucketed []int

	batchSize, maxTokens, batchSizeMultiple int
	maxSourcePositions, maxTargetPositions  int
	shuffle                                 bool
	widthBucketing                          func(width int) int

	mu      sync.Mutex
	rng     *rand.Rand
	batches [][]int
	next    int
}

// Assert Dataset is a train.Dataset.
var _ train.Dataset = (*Dataset)(nil)

// ErrFeatureDimMismatch is returned when the image features of a batch don't have the same dimension.
var ErrFeatureDimMismatch = errors.New("image feature dimension mismatch")

// NewDataset creates a Dataset. tgt and tgtDict can be nil for source-only (inference) datasets.
// images must hold exactly one feature vector per source sequence.
func NewDataset(name string, src TokenDataset, srcDict *dictionary.Dictionary,
	tgt TokenDataset, tgtDict *dictionary.Dictionary, images *imagefeatures.Store, opts Options) (*Dataset, error) {
	if tgt != nil && tgt.Len() != src.Len() {
		return nil, errors.Errorf("dataset %q: source and target must contain the same number of examples, got %d and %d",
			name, src.Len(), tgt.Len())
	}
	if images == nil {
		return nil, errors.Errorf("dataset %q: an image feature store is required", name)
	}
	if images.Len() != src.Len() {
		return nil, errors.Errorf("dataset %q: %d source examples but %d image features", name, src.Len(), images.Len())
	}
	if tgtDict == nil {
		tgtDict = srcDict
	}
	if err := dictionary.CheckCompatible(srcDict, tgtDict); err != nil {
		return nil, errors.WithMessagef(err, "dataset %q", name)
	}
	d := &Dataset{
		name:              name,
		src:               src,
		tgt:               tgt,
		srcDict:           srcDict,
		tgtDict:           tgtDict,
		images:            images,
		opts:              opts,
		eos:               opts.Eos,
		srcSizes:          Sizes(src),
		batchSizeMultiple: 1,
		rng:               rand.New(rand.NewSource(1)),
	}
	if d.eos == 0 {
		d.eos = tgtDict.Eos()
	}
	if d.opts.PadToMultiple < 1 {
		d.opts.PadToMultiple = 1
	}
	if tgt != nil {
		d.tgtSizes = Sizes(tgt)
	}
	if opts.NumBuckets > 0 {
		d.srcBucketed = bucketedSizes(d.srcSizes, lengthBuckets(d.srcSizes, opts.NumBuckets))
		if tgt != nil {
			d.tgtBucketed = bucketedSizes(d.tgtSizes, lengthBuckets(d.tgtSizes, opts.NumBuckets))
		}
		klog.V(1).Infof("dataset %q: bucketing source lengths into %v", name, uniqueSorted(d.srcBucketed))
	}
	return d, nil
}

// WithAlignments attaches word alignments to the dataset. It must have one entry per example.
func (d *Dataset) WithAlignments(a *Alignments) (*Dataset, error) {
	if a.Len() != d.src.Len() {
		return nil, errors.Errorf("dataset %q: %d alignments for %d examples", d.name, a.Len(), d.src.Len())
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.align = a
	return d, nil
}

// WithSku attaches a second per-example token stream (e.g. product "sku" tokens), collated alongside the
// source. It must have one sequence per example and use the source dictionary.
func (d *Dataset) WithSku(sku TokenDataset) (*Dataset, error) {
	if sku.Len() != d.src.Len() {
		return nil, errors.Errorf("dataset %q: %d sku sequences for %d examples", d.name, sku.Len(), d.src.Len())
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sku = sku
	return d, nil
}

// BatchSize sets the maximum number of sentences per batch. 0 means no limit, in which case MaxTokens must be set.
//
// It returns the modified Dataset, so calls can be cascaded.
func (d *Dataset) BatchSize(n int) *Dataset {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.batchSize = n
	d.batches = nil
	return d
}

// MaxTokens sets the maximum number of tokens (padded width times sentences) per batch. 0 means no limit.
func (d *Dataset) MaxTokens(n int) *Dataset {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maxTokens = n
	d.batches = nil
	return d
}

// BatchSizeMultiple makes the number of sentences of each batch a multiple of n, except the last ones.
func (d *Dataset) BatchSizeMultiple(n int) *Dataset {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.batchSizeMultiple = max(n, 1)
	d.batches = nil
	return d
}

// MaxPositions sets the maximum source and target lengths: longer examples are skipped with a warning.
// 0 means no limit.
func (d *Dataset) MaxPositions(maxSource, maxTarget int) *Dataset {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maxSourcePositions, d.maxTargetPositions = maxSource, maxTarget
	d.batches = nil
	return d
}

// Shuffle the order of the examples (within length-sorted batches) and of the batches, at every epoch.
func (d *Dataset) Shuffle() *Dataset {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.shuffle = true
	d.batches = nil
	return d
}

// WithRand sets the random number generator used for shuffling.
func (d *Dataset) WithRand(rng *rand.Rand) *Dataset {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rng = rng
	d.batches = nil
	return d
}

// WithWidthBucketing rounds the padded width of every batch with bucket (e.g. Pow2Width),
// before PadToMultiple is applied. It limits the number of graphs compiled for different shapes.
// bucket must return a value >= width.
func (d *Dataset) WithWidthBucketing(bucket func(width int) int) *Dataset {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.widthBucketing = bucket
	return d
}

// Pow2Width rounds width up to the next power of 2.
func Pow2Width(width int) int {
	if width <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(width-1))
}

// Name implements train.Dataset.
func (d *Dataset) Name() string { return d.name }

// Len returns the number of examples.
func (d *Dataset) Len() int { return d.src.Len() }

// HasTargets reports whether the dataset has target sequences.
func (d *Dataset) HasTargets() bool { return d.tgt != nil }

// Images returns the image feature store backing the dataset.
func (d *Dataset) Images() *imagefeatures.Store { return d.images }

// Source and Target return the token datasets. Target is nil for source-only datasets.
func (d *Dataset) Source() TokenDataset { return d.src }
func (d *Dataset) Target() TokenDataset { return d.tgt }

// Sku returns the token stream attached with WithSku, or nil.
func (d *Dataset) Sku() TokenDataset {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sku
}

// Size returns the (padded to bucket, if bucketing) source and target lengths of example i.
func (d *Dataset) Size(i int) (srcSize, tgtSize int) {
	srcSize = d.srcSizes[i]
	if d.srcBucketed != nil {
		srcSize = d.srcBucketed[i]
	}
	if d.tgt != nil {
		tgtSize = d.tgtSizes[i]
		if d.tgtBucketed != nil {
			tgtSize = d.tgtBucketed[i]
		}
	}
	return
}

// NumTokens returns the number of tokens of example i, used to size batches: the max of the source and
// target lengths.
func (d *Dataset) NumTokens(i int) int {
	srcSize, tgtSize := d.Size(i)
	return max(srcSize, tgtSize)
}

// OrderedIndices returns the order in which examples are batched: sorted by length (source then target,
// or bucketed length), with ties in random order if shuffling is enabled.
func (d *Dataset) OrderedIndices() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.orderedIndicesLocked()
}

func (d *Dataset) orderedIndicesLocked() []int {
	var indices []int
	if d.shuffle {
		indices = d.rng.Perm(d.Len())
	} else {
		indices = make([]int, d.Len())
		for ii := range indices {
			indices[ii] = ii
		}
	}
	if d.srcBucketed == nil {
		if d.tgt != nil {
			sort.SliceStable(indices, func(a, b int) bool { return d.tgtSizes[indices[a]] < d.tgtSizes[indices[b]] })
		}
		sort.SliceStable(indices, func(a, b int) bool { return d.srcSizes[indices[a]] < d.srcSizes[indices[b]] })
		return indices
	}
	sort.SliceStable(indices, func(a, b int) bool { return d.NumTokens(indices[a]) < d.NumTokens(indices[b]) })
	return indices
}

// Filter splits indices into those whose source and target lengths fit maxSource and maxTarget
// (0 means no limit) and those that don't.
func (d *Dataset) Filter(indices []int, maxSource, maxTarget int) (kept, ignored []int) {
	kept = make([]int, 0, len(indices))
	for _, idx := range indices {
		tooLong := maxSource > 0 && d.srcSizes[idx] > maxSource
		if d.tgt != nil && maxTarget > 0 && d.tgtSizes[idx] > maxTarget {
			tooLong = true
		}
		if tooLong {
			ignored = append(ignored, idx)
		} else {
			kept = append(kept, idx)
		}
	}
	return
}

// batchBySize groups ordered indices into batches limited by batchSize sentences and maxTokens tokens.
func (d *Dataset) batchBySize(indices []int) ([][]int, error) {
	if d.batchSize <= 0 && d.maxTokens <= 0 {
		return nil, errors.Errorf("dataset %q: either BatchSize or MaxTokens must be set", d.name)
	}
	mult := d.batchSizeMultiple
	isFull := func(batchLen, numTokens int) bool {
		switch {
		case batchLen == 0:
			return false
		case d.batchSize > 0 && batchLen == d.batchSize:
			return true
		case d.maxTokens > 0 && numTokens > d.maxTokens:
			return true
		}
		return false
	}
	var (
		batches    [][]int
		batch      []int
		sampleLens []int
		sampleLen  int
	)
	for _, idx := range indices {
		n := d.NumTokens(idx)
		if d.maxTokens > 0 && n > d.maxTokens {
			return nil, errors.Errorf("dataset %q: example %d has %d tokens, more than MaxTokens=%d",
				d.name, idx, n, d.maxTokens)
		}
		sampleLens = append(sampleLens, n)
		sampleLen = max(sampleLen, n)
		if isFull(len(batch), (len(batch)+1)*sampleLen) {
			modLen := max(mult*(len(batch)/mult), len(batch)%mult)
			batches = append(batches, slices.Clone(batch[:modLen]))
			batch = slices.Clone(batch[modLen:])
			sampleLens = sampleLens[modLen:]
			sampleLen = slices.Max(sampleLens)
		}
		batch = append(batch, idx)
	}
	if len(batch) > 0 {
		batches = append(batches, batch)
	}
	return batches, nil
}

// Batches returns the batches of the current epoch, as lists of example indices.
func (d *Dataset) Batches() ([][]int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.buildBatchesLocked(); err != nil {
		return nil, err
	}
	return d.batches, nil
}

func (d *Dataset) buildBatchesLocked() error {
	if d.batches != nil {
		return nil
	}
	indices := d.orderedIndicesLocked()
	if d.maxSourcePositions > 0 || d.maxTargetPositions > 0 {
		var ignored []int
		indices, ignored = d.Filter(indices, d.maxSourcePositions, d.maxTargetPositions)
		if len(ignored) > 0 {
			klog.Warningf("dataset %q: %d examples longer than the max positions (%d, %d) will be ignored, e.g. %v",
				d.name, len(ignored), d.maxSourcePositions, d.maxTargetPositions, ignored[:min(len(ignored), 10)])
		}
	}
	batches, err := d.batchBySize(indices)
	if err != nil {
		return err
	}
	if d.shuffle {
		d.rng.Shuffle(len(batches), func(i, j int) { batches[i], batches[j] = batches[j], batches[i] })
	}
	if batches == nil {
		batches = [][]int{}
	}
	d.batches = batches
	d.next = 0
	return nil
}

// Reset implements train.Dataset. The next epoch is re-shuffled if shuffling is enabled.
func (d *Dataset) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.batches = nil
	d.next = 0
}

// Yield implements train.Dataset.
func (d *Dataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err = d.buildBatchesLocked(); err != nil {
		return
	}
	if d.next >= len(d.batches) {
		err = io.EOF
		return
	}
	indices := d.batches[d.next]
	d.next++
	var batch *Batch
	batch, err = d.collateLocked(indices)
	if err != nil {
		return
	}
	inputs, labels = batch.Tensors()
	return
}

// String implements fmt.Stringer.
func (d *Dataset) String() string {
	return fmt.Sprintf("langpair.Dataset(%q, %d examples, targets=%v, alignments=%v, image dim=%d)",
		d.name, d.Len(), d.tgt != nil, d.align != nil, d.images.Dim())
}
