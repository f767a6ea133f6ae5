// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package langpair

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gomlx/vpgmt/pkg/ml/data/dictionary"
	"github.com/gomlx/vpgmt/pkg/ml/data/imagefeatures"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrDatasetNotFound is returned by Load when the first shard of a split doesn't exist.
var ErrDatasetNotFound = errors.New("dataset not found")

// LoadOptions describe where a split is stored and how its examples are built.
type LoadOptions struct {
	// DataPath is the directory with the "{split}{k}.{src}-{tgt}.{lang}" files.
	DataPath string
	Split    string

	// SrcLang and TgtLang are the language codes, and SrcDict and TgtDict their dictionaries.
	SrcLang, TgtLang string
	SrcDict, TgtDict *dictionary.Dictionary

	// Combine loads all shards "{split}", "{split}1", "{split}2", ... instead of only the first one.
	Combine bool

	// UpsamplePrimary repeats the first shard this many times when combining shards. Values < 1 mean 1.
	UpsamplePrimary int

	// MaxSourcePositions is used by TruncateSource.
	MaxSourcePositions int

	// TruncateSource truncates source sequences to MaxSourcePositions, keeping the final eos.
	TruncateSource bool

	// PrependBOS adds bos at the start of source and target sequences.
	PrependBOS bool

	// AppendSourceID appends the "[src]" token to source sequences and "[tgt]" to target sequences.
	// "[tgt]" then replaces eos at the start of the decoder input.
	AppendSourceID bool

	// LoadAlignments reads "{split}.align.{src}-{tgt}" if it exists.
	LoadAlignments bool

	// ImageFeaturesPath (a .npy matrix) and ImageIDsPath (patch indices per example) are loaded
	// into Images, which is mandatory. Its previous contents are replaced.
	ImageFeaturesPath, ImageIDsPath string
	Images                          *imagefeatures.Store

	// SkuPath, if set, is a text file with one line of source dictionary tokens per example (after combining
	// shards), attached with Dataset.WithSku. It gets the same bos as the source, and with AppendSourceID the
	// "[{SkuPath}]" token. It is never truncated.
	SkuPath string

	// ExpectedFeatureDim, if > 0, is checked against the dimension of the loaded image features.
	ExpectedFeatureDim int

	// Collation options.
	Options
}

// ShardPrefix returns the path prefix ("{dataPath}/{split}.{a}-{b}.") of a shard, trying both language
// orders. found is false if neither exists.
func ShardPrefix(dataPath, split, src, tgt string) (prefix string, found bool) {
	for _, pair := range [][2]string{{src, tgt}, {tgt, src}} {
		prefix = filepath.Join(dataPath, fmt.Sprintf("%s.%s-%s.", split, pair[0], pair[1]))
		if fileExists(prefix + src) {
			return prefix, true
		}
	}
	return "", false
}

func fileExists(filePath string) bool {
	info, err := os.Stat(filePath)
	return err == nil && !info.IsDir()
}

// Load the split described by opts: the source and target shards, alignments and image features.
func Load(opts LoadOptions) (*Dataset, error) {
	if opts.Images == nil {
		return nil, errors.Errorf("langpair.Load(%q): an image feature store is required", opts.Split)
	}
	if opts.TruncateSource && opts.MaxSourcePositions < 2 {
		return nil, errors.Errorf("langpair.Load(%q): truncating the source requires MaxSourcePositions >= 2, got %d",
			opts.Split, opts.MaxSourcePositions)
	}
	if opts.TgtDict == nil {
		opts.TgtDict = opts.SrcDict
	}
	var srcShards, tgtShards []TokenDataset
	for k := 0; ; k++ {
		splitK := opts.Split
		if k > 0 {
			splitK = fmt.Sprintf("%s%d", opts.Split, k)
		}
		prefix, found := ShardPrefix(opts.DataPath, splitK, opts.SrcLang, opts.TgtLang)
		if !found {
			if k > 0 {
				break
			}
			return nil, errors.Wrapf(ErrDatasetNotFound, "%s (%s)", opts.Split, opts.DataPath)
		}

		src, err := LoadRaw(prefix+opts.SrcLang, opts.SrcDict)
		if err != nil {
			return nil, err
		}
		if opts.TruncateSource {
			src = Append(Truncate(Strip(src, opts.SrcDict.Eos()), opts.MaxSourcePositions-1), opts.SrcDict.Eos())
		}
		srcShards = append(srcShards, src)

		if tgtPath := prefix + opts.TgtLang; fileExists(tgtPath) {
			tgt, err := LoadRaw(tgtPath, opts.TgtDict)
			if err != nil {
				return nil, err
			}
			tgtShards = append(tgtShards, tgt)
		}
		klog.Infof("%s %s %s-%s %d examples", opts.DataPath, splitK, opts.SrcLang, opts.TgtLang, src.Len())
		if !opts.Combine {
			break
		}
	}
	if len(tgtShards) != 0 && len(tgtShards) != len(srcShards) {
		return nil, errors.Errorf("split %q: found %d source shards but %d target shards",
			opts.Split, len(srcShards), len(tgtShards))
	}

	src, tgt := srcShards[0], TokenDataset(nil)
	if len(tgtShards) > 0 {
		tgt = tgtShards[0]
	}
	if len(srcShards) > 1 {
		ratios := make([]int, len(srcShards))
		for ii := range ratios {
			ratios[ii] = 1
		}
		ratios[0] = max(opts.UpsamplePrimary, 1)
		var err error
		if src, err = Concat(srcShards, ratios); err != nil {
			return nil, err
		}
		if tgt != nil {
			if tgt, err = Concat(tgtShards, ratios); err != nil {
				return nil, err
			}
		}
	}

	if opts.PrependBOS {
		src = Prepend(src, opts.SrcDict.Bos())
		if tgt != nil {
			tgt = Prepend(tgt, opts.TgtDict.Bos())
		}
	}
	collation := opts.Options
	if opts.AppendSourceID {
		src = Append(src, opts.SrcDict.Index(fmt.Sprintf("[%s]", opts.SrcLang)))
		tgtID := opts.TgtDict.Index(fmt.Sprintf("[%s]", opts.TgtLang))
		if tgt != nil {
			tgt = Append(tgt, tgtID)
		}
		collation.Eos = tgtID
	}

	var align *Alignments
	if opts.LoadAlignments {
		alignPath := filepath.Join(opts.DataPath, fmt.Sprintf("%s.align.%s-%s", opts.Split, opts.SrcLang, opts.TgtLang))
		if fileExists(alignPath) {
			var err error
			if align, err = LoadAlignments(alignPath); err != nil {
				return nil, err
			}
		} else {
			klog.Warningf("alignments requested but %q not found", alignPath)
		}
	}

	var sku TokenDataset
	if opts.SkuPath != "" {
		var err error
		if sku, err = LoadRaw(opts.SkuPath, opts.SrcDict); err != nil {
			return nil, errors.WithMessagef(err, "split %q", opts.Split)
		}
		if opts.PrependBOS {
			sku = Prepend(sku, opts.SrcDict.Bos())
		}
		if opts.AppendSourceID {
			sku = Append(sku, opts.SrcDict.Index(fmt.Sprintf("[%s]", opts.SkuPath)))
		}
	}

	if err := opts.Images.Load(opts.ImageFeaturesPath, opts.ImageIDsPath); err != nil {
		return nil, errors.WithMessagef(err, "split %q", opts.Split)
	}
	if opts.ExpectedFeatureDim > 0 && opts.Images.Dim() != opts.ExpectedFeatureDim {
		return nil, errors.Wrapf(ErrFeatureDimMismatch, "split %q: image features in %q have dim %d, expected %d",
			opts.Split, opts.ImageFeaturesPath, opts.Images.Dim(), opts.ExpectedFeatureDim)
	}

	ds, err := NewDataset(opts.Split, src, opts.SrcDict, tgt, opts.TgtDict, opts.Images, collation)
	if err != nil {
		return nil, err
	}
	if align != nil {
		if _, err = ds.WithAlignments(align); err != nil {
			return nil, err
		}
	}
	if sku != nil {
		if _, err = ds.WithSku(sku); err != nil {
			return nil, err
		}
	}
	return ds, nil
}
