// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package langpair

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, contents := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(contents), 0o644))
	}
}

func TestShardPrefix(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"train.de-en.en": "a\n",
		"valid.en-de.en": "a\n",
	})
	prefix, found := ShardPrefix(dir, "train", "en", "de")
	require.True(t, found)
	assert.Equal(t, filepath.Join(dir, "train.de-en."), prefix)
	prefix, found = ShardPrefix(dir, "valid", "en", "de")
	require.True(t, found)
	assert.Equal(t, filepath.Join(dir, "valid.en-de."), prefix)
	_, found = ShardPrefix(dir, "test", "en", "de")
	assert.False(t, found)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	dict := newTestDict(t)
	writeFiles(t, dir, map[string]string{
		// Shard 0 uses the reversed language order on disk.
		"train.de-en.en":    "a b\nc\n",
		"train.de-en.de":    "b\nd d\n",
		"train1.en-de.en":   "a b c d\n",
		"train1.en-de.de":   "c\n",
		"train.align.en-de": "0-0\n\n0-0\n0-0\n0-0\n",
	})
	images, matrixPath, _ := newTestImages(t, dir, "0")
	idsPath := filepath.Join(dir, "train.img2ids")
	writeFiles(t, dir, map[string]string{"train.img2ids": "0\n1\n2\n0 1\n1 2\n"})

	opts := LoadOptions{
		DataPath:          dir,
		Split:             "train",
		SrcLang:           "en",
		TgtLang:           "de",
		SrcDict:           dict,
		TgtDict:           dict,
		Combine:           true,
		UpsamplePrimary:   2,
		LoadAlignments:    true,
		ImageFeaturesPath: matrixPath,
		ImageIDsPath:      idsPath,
		Images:            images,
		Options:           Options{LeftPadSource: true},
	}
	ds, err := Load(opts)
	require.NoError(t, err)
	assert.Equal(t, 5, ds.Len())
	assert.Equal(t, 5, images.Len())
	assert.Equal(t, [][]int32{{4, 5, 2}, {6, 2}, {4, 5, 2}, {6, 2}, {4, 5, 6, 7, 2}}, getAll(ds.Source()))
	assert.Equal(t, [][]int32{{5, 2}, {7, 7, 2}, {5, 2}, {7, 7, 2}, {6, 2}}, getAll(ds.Target()))
	assert.NotNil(t, ds.align)

	// Without Combine only the first shard is read.
	opts.Combine, opts.LoadAlignments = false, false
	writeFiles(t, dir, map[string]string{"train.img2ids": "0\n1\n"})
	ds, err = Load(opts)
	require.NoError(t, err)
	assert.Equal(t, 2, ds.Len())

	// Image features must match the number of examples.
	writeFiles(t, dir, map[string]string{"train.img2ids": "0\n"})
	_, err = Load(opts)
	require.Error(t, err)

	// Wrong feature dim.
	writeFiles(t, dir, map[string]string{"train.img2ids": "0\n1\n"})
	opts.ExpectedFeatureDim = 1024
	_, err = Load(opts)
	require.ErrorIs(t, err, ErrFeatureDimMismatch)
	opts.ExpectedFeatureDim = 2

	// Bad patch index surfaces as a load error.
	writeFiles(t, dir, map[string]string{"train.img2ids": "0\n7\n"})
	_, err = Load(opts)
	require.Error(t, err)
	writeFiles(t, dir, map[string]string{"train.img2ids": "0\n1\n"})

	// Missing split.
	opts.Split = "valid"
	_, err = Load(opts)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDatasetNotFound))
}

func TestLoadTransformations(t *testing.T) {
	dir := t.TempDir()
	dict := newTestDict(t)
	writeFiles(t, dir, map[string]string{
		"test.en-de.en": "a b c d\nb\n",
		"test.en-de.de": "c d\na\n",
		"test.img2ids":  "0\n1\n",
	})
	images, matrixPath, _ := newTestImages(t, dir, "0")
	opts := LoadOptions{
		DataPath:           dir,
		Split:              "test",
		SrcLang:            "en",
		TgtLang:            "de",
		SrcDict:            dict,
		TgtDict:            dict,
		MaxSourcePositions: 3,
		TruncateSource:     true,
		PrependBOS:         true,
		AppendSourceID:     true,
		LoadAlignments:     true,
		ImageFeaturesPath:  matrixPath,
		ImageIDsPath:       filepath.Join(dir, "test.img2ids"),
		Images:             images,
	}
	ds, err := Load(opts)
	require.NoError(t, err)
	// Truncated to 2 tokens + eos, then bos prepended and [en] appended.
	assert.Equal(t, [][]int32{{0, 4, 5, 2, 8}, {0, 5, 2, 8}}, getAll(ds.Source()))
	assert.Equal(t, [][]int32{{0, 6, 7, 2, 9}, {0, 4, 2, 9}}, getAll(ds.Target()))
	assert.Nil(t, ds.align, "alignment file doesn't exist")

	// [de] replaces eos at the start of the decoder input.
	b, err := ds.Collate([]int{1})
	require.NoError(t, err)
	assert.Equal(t, [][]int32{{9, 0, 4, 2}}, b.PrevOutputTokens)
}

func TestLoadSku(t *testing.T) {
	dir := t.TempDir()
	dict := newTestDict(t)
	writeFiles(t, dir, map[string]string{
		"test.en-de.en":   "a b c d\nb\n",
		"test.en-de.de":   "c d\na\n",
		"test.img2ids":    "0\n1\n",
		"test.sku2vec":    "c d\na\n",
		"short.sku2vec":   "c d\n",
		"unknown.sku2vec": "[en] x\nd\n",
	})
	images, matrixPath, _ := newTestImages(t, dir, "0")
	opts := LoadOptions{
		DataPath:          dir,
		Split:             "test",
		SrcLang:           "en",
		TgtLang:           "de",
		SrcDict:           dict,
		TgtDict:           dict,
		PrependBOS:        true,
		AppendSourceID:    true,
		ImageFeaturesPath: matrixPath,
		ImageIDsPath:      filepath.Join(dir, "test.img2ids"),
		Images:            images,
		SkuPath:           filepath.Join(dir, "test.sku2vec"),
	}
	ds, err := Load(opts)
	require.NoError(t, err)
	require.NotNil(t, ds.Sku())
	// bos prepended, and the "[{path}]" token is not in the dictionary so it maps to unk.
	assert.Equal(t, [][]int32{{0, 6, 7, 2, 3}, {0, 4, 2, 3}}, getAll(ds.Sku()))

	b, err := ds.Collate([]int{1, 0})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, b.IDs)
	assert.Equal(t, [][]int32{{0, 6, 7, 2, 3}, {0, 4, 2, 3, 1}}, b.SkuTokens)
	assert.Equal(t, []int32{5, 4}, b.SkuLengths)
	inputs, labels := b.Tensors()
	require.Len(t, inputs, 6)
	require.Len(t, labels, 1)
	assert.Equal(t, [][]int32{{0, 6, 7, 2, 3}, {0, 4, 2, 3, 1}}, inputs[4].Value())
	assert.Equal(t, []int32{5, 4}, inputs[5].Value())

	opts.Options.LeftPadSource = true
	opts.SkuPath = filepath.Join(dir, "unknown.sku2vec")
	ds, err = Load(opts)
	require.NoError(t, err)
	b, err = ds.Collate([]int{0, 1})
	require.NoError(t, err)
	assert.Equal(t, [][]int32{{0, 8, 3, 2, 3}, {1, 0, 7, 2, 3}}, b.SkuTokens)

	// One sku line per example.
	opts.SkuPath = filepath.Join(dir, "short.sku2vec")
	_, err = Load(opts)
	require.Error(t, err)
	opts.SkuPath = filepath.Join(dir, "missing.sku2vec")
	_, err = Load(opts)
	require.Error(t, err)

	// Without SkuPath there is no sku stream.
	opts.SkuPath = ""
	ds, err = Load(opts)
	require.NoError(t, err)
	assert.Nil(t, ds.Sku())
	b, err = ds.Collate([]int{0})
	require.NoError(t, err)
	assert.Nil(t, b.SkuTokens)
}

func TestLoadTruncateSourceLimit(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"test.en-de.en": "a b\n", "test.img2ids": "0\n"})
	images, matrixPath, _ := newTestImages(t, dir, "0")
	for _, maxPositions := range []int{-1, 0, 1} {
		_, err := Load(LoadOptions{
			DataPath:           dir,
			Split:              "test",
			SrcLang:            "en",
			TgtLang:            "de",
			SrcDict:            newTestDict(t),
			MaxSourcePositions: maxPositions,
			TruncateSource:     true,
			ImageFeaturesPath:  matrixPath,
			ImageIDsPath:       filepath.Join(dir, "test.img2ids"),
			Images:             images,
		})
		require.Errorf(t, err, "MaxSourcePositions=%d", maxPositions)
	}
}
