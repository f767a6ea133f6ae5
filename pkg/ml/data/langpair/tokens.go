// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package langpair

import (
	"bufio"
	"os"
	"slices"

	"github.com/gomlx/vpgmt/pkg/ml/data/dictionary"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// TokenDataset is a random access collection of token sequences.
//
// Sequences returned by Get must not be modified by the caller.
type TokenDataset interface {
	// Len returns the number of sequences.
	Len() int

	// Get returns sequence i.
	Get(i int) []int32

	// Size returns the length of sequence i, without materializing it if possible.
	Size(i int) int
}

// Sizes returns the sizes of all sequences in ds.
func Sizes(ds TokenDataset) []int {
	sizes := make([]int, ds.Len())
	for ii := range sizes {
		sizes[ii] = ds.Size(ii)
	}
	return sizes
}

// rawTokens holds sequences read from a text file.
type rawTokens struct {
	sequences [][]int32
}

// LoadRaw reads one sequence per line from filePath, encoding each line with dict and appending eos.
func LoadRaw(filePath string, dict *dictionary.Dictionary) (TokenDataset, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %q", filePath)
	}
	defer func() { _ = f.Close() }()
	ds := &rawTokens{}
	numUnk := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		ids := dict.EncodeLine(scanner.Text(), true)
		for _, id := range ids {
			if id == dict.Unk() {
				numUnk++
			}
		}
		ds.sequences = append(ds.sequences, ids)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read %q", filePath)
	}
	if numUnk > 0 {
		klog.V(1).Infof("%q: %d sequences, %d unknown tokens", filePath, len(ds.sequences), numUnk)
	}
	return ds, nil
}

// FromSequences wraps in-memory sequences as a TokenDataset.
func FromSequences(sequences [][]int32) TokenDataset {
	return &rawTokens{sequences: sequences}
}

func (ds *rawTokens) Len() int          { return len(ds.sequences) }
func (ds *rawTokens) Get(i int) []int32 { return ds.sequences[i] }
func (ds *rawTokens) Size(i int) int    { return len(ds.sequences[i]) }

// mappedTokens applies a transformation to every sequence of an underlying dataset.
// Sizes are precomputed.
type mappedTokens struct {
	base  TokenDataset
	fn    func([]int32) []int32
	sizes []int
}

func newMapped(base TokenDataset, fn func([]int32) []int32) *mappedTokens {
	ds := &mappedTokens{base: base, fn: fn, sizes: make([]int, base.Len())}
	for ii := range ds.sizes {
		ds.sizes[ii] = len(fn(base.Get(ii)))
	}
	return ds
}

func (ds *mappedTokens) Len() int          { return ds.base.Len() }
func (ds *mappedTokens) Get(i int) []int32 { return ds.fn(ds.base.Get(i)) }
func (ds *mappedTokens) Size(i int) int    { return ds.sizes[i] }

// Strip removes leading and trailing occurrences of token from every sequence.
func Strip(base TokenDataset, token int32) TokenDataset {
	return newMapped(base, func(seq []int32) []int32 {
		for len(seq) > 0 && seq[len(seq)-1] == token {
			seq = seq[:len(seq)-1]
		}
		for len(seq) > 0 && seq[0] == token {
			seq = seq[1:]
		}
		return seq
	})
}

// Truncate limits every sequence to at most maxLen tokens.
func Truncate(base TokenDataset, maxLen int) TokenDataset {
	return newMapped(base, func(seq []int32) []int32 {
		if len(seq) > maxLen {
			return seq[:maxLen]
		}
		return seq
	})
}

// Append adds token at the end of every sequence.
func Append(base TokenDataset, token int32) TokenDataset {
	return newMapped(base, func(seq []int32) []int32 {
		out := make([]int32, len(seq)+1)
		copy(out, seq)
		out[len(seq)] = token
		return out
	})
}

// Prepend adds token at the start of every sequence.
func Prepend(base TokenDataset, token int32) TokenDataset {
	return newMapped(base, func(seq []int32) []int32 {
		out := make([]int32, len(seq)+1)
		out[0] = token
		copy(out[1:], seq)
		return out
	})
}

// concatTokens concatenates datasets, each repeated by its sample ratio.
type concatTokens struct {
	datasets []TokenDataset
	ratios   []int
	// cumulative[k] is the number of sequences in datasets[:k+1], counting repetitions.
	cumulative []int
}

// Concat concatenates datasets. Dataset k is repeated sampleRatios[k] times: this is used to
// upsample a primary shard relative to the others. If sampleRatios is nil all ratios are 1.
func Concat(datasets []TokenDataset, sampleRatios []int) (TokenDataset, error) {
	if len(datasets) == 0 {
		return nil, errors.New("Concat requires at least one dataset")
	}
	if sampleRatios == nil {
		sampleRatios = make([]int, len(datasets))
		for ii := range sampleRatios {
			sampleRatios[ii] = 1
		}
	}
	if len(sampleRatios) != len(datasets) {
		return nil, errors.Errorf("Concat got %d datasets but %d sample ratios", len(datasets), len(sampleRatios))
	}
	ds := &concatTokens{datasets: datasets, ratios: slices.Clone(sampleRatios)}
	total := 0
	for ii, sub := range datasets {
		if sampleRatios[ii] < 1 {
			return nil, errors.Errorf("Concat sample ratio for dataset #%d must be >= 1, got %d", ii, sampleRatios[ii])
		}
		total += sub.Len() * sampleRatios[ii]
		ds.cumulative = append(ds.cumulative, total)
	}
	return ds, nil
}

func (ds *concatTokens) locate(i int) (TokenDataset, int) {
	k, _ := slices.BinarySearch(ds.cumulative, i+1)
	start := 0
	if k > 0 {
		start = ds.cumulative[k-1]
	}
	sub := ds.datasets[k]
	return sub, (i - start) % sub.Len()
}

func (ds *concatTokens) Len() int { return ds.cumulative[len(ds.cumulative)-1] }

func (ds *concatTokens) Get(i int) []int32 {
	sub, j := ds.locate(i)
	return sub.Get(j)
}

func (ds *concatTokens) Size(i int) int {
	sub, j := ds.locate(i)
	return sub.Size(j)
}
