// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package matchgo is the multimodal translation task: it loads the dictionaries and the splits (parallel text
// plus image features), composes the training loss of the visual pointer-generator and evaluates BLEU during
// validation.
package matchgo

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/vpgmt/pkg/ml/data/dictionary"
	"github.com/gomlx/vpgmt/pkg/ml/data/imagefeatures"
	"github.com/gomlx/vpgmt/pkg/ml/data/langpair"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/klog/v2"
)

// Task holds the configuration, the dictionaries, and the splits loaded so far with their image feature stores.
type Task struct {
	Config           *Config
	SrcDict, TgtDict *dictionary.Dictionary

	registerer prometheus.Registerer

	mu       sync.Mutex
	datasets map[string]*langpair.Dataset
	images   map[string]*imagefeatures.Store

	eval *evaluator
}

// Option configures Setup.
type Option func(*Task)

// WithMetrics registers the metrics of the image feature stores of every split with registerer.
func WithMetrics(registerer prometheus.Registerer) Option {
	return func(t *Task) { t.registerer = registerer }
}

// InferLanguagePair returns the languages of the first "{split}.{src}-{tgt}.{lang}" file found in dir, in
// lexicographic order of file names.
func InferLanguagePair(dir string) (src, tgt string, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", "", errors.Wrapf(err, "failed to list data directory %q", dir)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	slices.Sort(names)
	for _, name := range names {
		parts := strings.Split(name, ".")
		if len(parts) < 3 {
			continue
		}
		langs := strings.Split(parts[1], "-")
		if len(langs) == 2 && langs[0] != "" && langs[1] != "" {
			return langs[0], langs[1], nil
		}
	}
	return "", "", errors.Errorf("could not infer language pair from the files in %q, please provide it explicitly", dir)
}

// Setup creates the task: it infers the language pair if not configured, and loads the dictionaries
// "dict.{lang}.txt" from the first data directory (as BERT vocabularies if Config.BertDict is set).
func Setup(cfg *Config, options ...Option) (*Task, error) {
	if len(cfg.Data) == 0 {
		return nil, errors.New("matchgo.Setup: no data directory configured")
	}
	if cfg.SourceLang == "" || cfg.TargetLang == "" {
		src, tgt, err := InferLanguagePair(cfg.Data[0])
		if err != nil {
			return nil, err
		}
		cfg.SourceLang, cfg.TargetLang = src, tgt
	}
	t := &Task{
		Config:   cfg,
		datasets: make(map[string]*langpair.Dataset),
		images:   make(map[string]*imagefeatures.Store),
	}
	for _, option := range options {
		option(t)
	}
	loadDict := dictionary.Load
	if cfg.BertDict {
		loadDict = dictionary.LoadBert
	}
	var err error
	t.SrcDict, err = loadDict(filepath.Join(cfg.Data[0], fmt.Sprintf("dict.%s.txt", cfg.SourceLang)))
	if err != nil {
		return nil, err
	}
	t.TgtDict, err = loadDict(filepath.Join(cfg.Data[0], fmt.Sprintf("dict.%s.txt", cfg.TargetLang)))
	if err != nil {
		return nil, err
	}
	if err = dictionary.CheckCompatible(t.SrcDict, t.TgtDict); err != nil {
		return nil, err
	}
	klog.Infof("[%s] dictionary: %d types", cfg.SourceLang, t.SrcDict.Len())
	klog.Infof("[%s] dictionary: %d types", cfg.TargetLang, t.TgtDict.Len())
	return t, nil
}

// ImagePaths returns the feature matrix and id mapping paths of split read from dataPath.
//
// With IsMultiFiles the files live in "bpe_mg_batch", which replaces the last two "/" separated elements of
// dataPath (so "/data/bpe/part3" gives "/data/bpe_mg_batch", and "/data/bpe/part3/" gives
// "/data/bpe/bpe_mg_batch"): valid and test use
// "image_patch_vectors_{split}.npy" and "{split}.img2ids", other splits are data parts ("...part{N}") and use
// "image_patch_vectors_part_{N}.npy" and "part_{N}.img2ids". Otherwise they are Img2VecPath and
// "{Img2IDsPath}/{split}.img2ids".
func (t *Task) ImagePaths(dataPath, split string) (featureMatrixPath, idMappingPath string, err error) {
	cfg := t.Config
	if !cfg.IsMultiFiles {
		if cfg.Img2VecPath == "" || cfg.Img2IDsPath == "" {
			return "", "", errors.Errorf("hyperparameters %q and %q are required", ParamImg2VecPath, ParamImg2IDsPath)
		}
		return cfg.Img2VecPath, filepath.Join(cfg.Img2IDsPath, split+".img2ids"), nil
	}
	// The last two "/" separated elements of dataPath are dropped, including an empty one after a trailing "/".
	elements := strings.Split(dataPath, "/")
	elements = elements[:max(len(elements)-2, 0)]
	batchFile := func(name string) string {
		return strings.Join(append(slices.Clone(elements), "bpe_mg_batch", name), "/")
	}
	if split == "valid" || split == "test" {
		return batchFile("image_patch_vectors_" + split + ".npy"), batchFile(split + ".img2ids"), nil
	}
	pos := strings.LastIndex(dataPath, "part")
	var part int
	if pos < 0 {
		return "", "", errors.Errorf("data path %q of split %q is not a \"part{N}\" directory", dataPath, split)
	}
	if _, err = fmt.Sscanf(strings.TrimRight(dataPath[pos+len("part"):], "/"), "%d", &part); err != nil {
		return "", "", errors.Wrapf(err, "data path %q of split %q is not a \"part{N}\" directory", dataPath, split)
	}
	return batchFile(fmt.Sprintf("image_patch_vectors_part_%d.npy", part)),
		batchFile(fmt.Sprintf("part_%d.img2ids", part)), nil
}

// imagesFor returns the image feature store of split, creating it on first use.
func (t *Task) imagesFor(split string) *imagefeatures.Store {
	t.mu.Lock()
	defer t.mu.Unlock()
	store, found := t.images[split]
	if !found {
		var options []imagefeatures.Option
		if t.registerer != nil {
			options = append(options, imagefeatures.WithMetrics(t.registerer, split))
		}
		store = imagefeatures.New(options...)
		t.images[split] = store
	}
	return store
}

// LoadDataset loads split for the given epoch (starting at 1). The train split iterates over the data
// directories in round-robin, other splits always come from the first one. The examples of the test split are
// not shuffled.
//
// Reloading a split replaces the contents of its image feature store.
func (t *Task) LoadDataset(split string, epoch int, combine bool) (*langpair.Dataset, error) {
	cfg := t.Config
	paths := cfg.Data
	if split != cfg.TrainSubset {
		paths = paths[:1]
	}
	dataPath := paths[(max(epoch, 1)-1)%len(paths)]
	featuresPath, idsPath, err := t.ImagePaths(dataPath, split)
	if err != nil {
		return nil, err
	}
	var skuPath string
	if cfg.Sku2VecPath != "" {
		skuPath = cfg.Sku2VecPath + "/" + split + ".sku2vec"
	}
	ds, err := langpair.Load(langpair.LoadOptions{
		DataPath:           dataPath,
		Split:              split,
		SrcLang:            cfg.SourceLang,
		TgtLang:            cfg.TargetLang,
		SrcDict:            t.SrcDict,
		TgtDict:            t.TgtDict,
		Combine:            combine,
		UpsamplePrimary:    cfg.UpsamplePrimary,
		MaxSourcePositions: cfg.MaxSourcePositions,
		TruncateSource:     cfg.TruncateSource,
		LoadAlignments:     cfg.LoadAlignments,
		ImageFeaturesPath:  featuresPath,
		ImageIDsPath:       idsPath,
		Images:             t.imagesFor(split),
		SkuPath:            skuPath,
		Options: langpair.Options{
			LeftPadSource: cfg.LeftPadSource,
			LeftPadTarget: cfg.LeftPadTarget,
			NumBuckets:    cfg.NumBatchBuckets,
			PadToMultiple: cfg.RequiredSeqLenMultiple,
		},
	})
	if err != nil {
		return nil, err
	}
	ds.BatchSize(cfg.BatchSize).
		MaxTokens(cfg.MaxTokens).
		BatchSizeMultiple(cfg.RequiredBatchSizeMultiple).
		MaxPositions(t.MaxPositions()).
		WithRand(rand.New(rand.NewSource(cfg.Seed + int64(epoch))))
	if split != "test" {
		ds.Shuffle()
	}
	t.mu.Lock()
	t.datasets[split] = ds
	t.mu.Unlock()
	klog.V(1).Infof("loaded %s", ds)
	return ds, nil
}

// BuildDatasetForInference wraps already encoded source sequences (e.g. from an interactive session) as a
// dataset without targets, batched and collated like the other splits. images must hold one feature vector
// per sequence.
func (t *Task) BuildDatasetForInference(srcTokens [][]int32, images *imagefeatures.Store) (*langpair.Dataset, error) {
	cfg := t.Config
	ds, err := langpair.NewDataset("inference", langpair.FromSequences(srcTokens), t.SrcDict, nil, t.TgtDict, images,
		langpair.Options{
			LeftPadSource: cfg.LeftPadSource,
			LeftPadTarget: cfg.LeftPadTarget,
			PadToMultiple: cfg.RequiredSeqLenMultiple,
		})
	if err != nil {
		return nil, err
	}
	ds.BatchSize(cfg.BatchSize).
		MaxTokens(cfg.MaxTokens).
		BatchSizeMultiple(cfg.RequiredBatchSizeMultiple).
		MaxPositions(t.MaxPositions())
	return ds, nil
}

// Dataset returns the last loaded dataset of split, or nil.
func (t *Task) Dataset(split string) *langpair.Dataset {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.datasets[split]
}

// MaxPositions returns the maximum source and target lengths.
func (t *Task) MaxPositions() (maxSource, maxTarget int) {
	return t.Config.MaxSourcePositions, t.Config.MaxTargetPositions
}

// Close releases the image features of all splits.
func (t *Task) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, store := range t.images {
		store.Release()
	}
}
