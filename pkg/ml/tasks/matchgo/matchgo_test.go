// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package matchgo

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/numpy"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/vpgmt/pkg/ml/data/imagefeatures"
	"github.com/gomlx/vpgmt/pkg/ml/data/langpair"
	"github.com/gomlx/vpgmt/pkg/ml/layers/vpg"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, contents := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	}
}

// writeTestData writes a small en→de corpus with dictionaries and image features into dir.
// Ids: a=4 b=5 c=6 d=7 in both dictionaries.
func writeTestData(t *testing.T, dir string) (featuresPath string) {
	t.Helper()
	dict := "a 10\nb 9\nc 8\nd 7\n"
	writeFiles(t, dir, map[string]string{
		"dict.en.txt":       dict,
		"dict.de.txt":       dict,
		"train.en-de.en":    "a b\nc\nd d a\n",
		"train.en-de.de":    "b a c d\nd c\na\n",
		"test.en-de.en":     "a\nb c\n",
		"test.en-de.de":     "a\nc b\n",
		"ids/train.img2ids": "0\n1\n0 1\n",
		"ids/test.img2ids":  "1\n0\n",
	})
	featuresPath = filepath.Join(dir, "img2vec.npy")
	require.NoError(t, numpy.ToNpyFile(tensors.FromValue([][]float32{{1, 0}, {0, 1}}), featuresPath))
	return
}

func testConfig(t *testing.T, dir string, settings map[string]any) *Config {
	t.Helper()
	ctx := CreateDefaultContext()
	ctx.SetParam(ParamData, dir)
	ctx.SetParam(ParamImg2IDsPath, filepath.Join(dir, "ids"))
	ctx.SetParam(ParamImg2VecPath, filepath.Join(dir, "img2vec.npy"))
	ctx.SetParams(settings)
	cfg, err := ConfigFromContext(ctx)
	require.NoError(t, err)
	return cfg
}

func TestConfigFromContext(t *testing.T) {
	ctx := CreateDefaultContext()
	_, err := ConfigFromContext(ctx)
	require.Error(t, err, "data directory is required")

	ctx.SetParam(ParamData, "/a:/b::/c")
	cfg, err := ConfigFromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"/a", "/b", "/c"}, cfg.Data)
	assert.Equal(t, vpg.ModeCombined, cfg.CopyMode)
	assert.True(t, cfg.LeftPadSource)
	assert.False(t, cfg.LeftPadTarget)
	assert.Equal(t, 1024, cfg.MaxSourcePositions)
	assert.Equal(t, 49, cfg.ImgLen)
	assert.Equal(t, 1.0, cfg.RelMargin)
	assert.Equal(t, "space", cfg.EvalBLEUDetok)

	ctx.SetParam(ParamTaskType, "new_tpg")
	cfg, err = ConfigFromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, vpg.ModeSlicedTextCopy, cfg.CopyMode)

	ctx.SetParam(ParamTaskType, "kplug")
	_, err = ConfigFromContext(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, vpg.ErrCopyModeNotImplemented))

	ctx.SetParam(ParamTaskType, "vpg")
	ctx.SetParam(ParamTruncateSource, true)
	for _, maxPositions := range []int{0, 1} {
		ctx.SetParam(ParamMaxSourcePositions, maxPositions)
		_, err = ConfigFromContext(ctx)
		require.Errorf(t, err, "truncating to %d source positions leaves no room for eos", maxPositions)
	}
	ctx.SetParam(ParamMaxSourcePositions, 2)
	cfg, err = ConfigFromContext(ctx)
	require.NoError(t, err)
	assert.True(t, cfg.TruncateSource)
	ctx.SetParam(ParamTruncateSource, false)
	ctx.SetParam(ParamMaxSourcePositions, 1)
	_, err = ConfigFromContext(ctx)
	require.NoError(t, err, "max_source_positions only matters when truncating")

	ctx.SetParam(ParamBatchSize, 0)
	ctx.SetParam(ParamMaxTokens, 0)
	_, err = ConfigFromContext(ctx)
	require.Error(t, err, "either batch_size or max_tokens is required")
}

func TestApplyConfigFile(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"config.yaml": "data: /data/part1\ntask_type: new_vpg\nimg_len: 196\nrel_margin: 0.5\nadd_rel_margin: true\n",
		"bad.yaml":    "no_such_param: 1\n",
	})
	ctx := CreateDefaultContext()
	paramsSet, err := ApplyConfigFile(ctx, filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{ParamData, ParamTaskType, ParamImgLen, ParamRelMargin, ParamAddRelMargin}, paramsSet)
	cfg, err := ConfigFromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"/data/part1"}, cfg.Data)
	assert.Equal(t, vpg.ModeSlicedCombined, cfg.CopyMode)
	assert.Equal(t, 196, cfg.ImgLen)
	assert.Equal(t, 0.5, cfg.RelMargin)
	assert.True(t, cfg.AddRelMargin)

	_, err = ApplyConfigFile(CreateDefaultContext(), filepath.Join(dir, "bad.yaml"))
	require.Error(t, err)
	_, err = ApplyConfigFile(CreateDefaultContext(), filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}

func TestInferLanguagePair(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"dict.en.txt":    "a 1\n",
		"train.zh-en.zh": "a\n",
		"valid.zh-en.en": "a\n",
		"README":         "",
	})
	src, tgt, err := InferLanguagePair(dir)
	require.NoError(t, err)
	assert.Equal(t, "zh", src)
	assert.Equal(t, "en", tgt)

	_, _, err = InferLanguagePair(t.TempDir())
	require.Error(t, err)
}

func TestSetupAndLoadDataset(t *testing.T) {
	dir := t.TempDir()
	writeTestData(t, dir)
	cfg := testConfig(t, dir, map[string]any{ParamBatchSize: 2, ParamMaxTokens: 0})
	registry := prometheus.NewRegistry()
	task, err := Setup(cfg, WithMetrics(registry))
	require.NoError(t, err)
	defer task.Close()
	assert.Equal(t, "en", cfg.SourceLang)
	assert.Equal(t, "de", cfg.TargetLang)
	assert.Equal(t, 8, task.SrcDict.Len())

	train, err := task.LoadDataset("train", 1, false)
	require.NoError(t, err)
	assert.Equal(t, 3, train.Len())
	assert.Same(t, train, task.Dataset("train"))
	assert.Equal(t, 2, train.Images().Dim())

	test, err := task.LoadDataset("test", 1, false)
	require.NoError(t, err)
	assert.Equal(t, 2, test.Len())
	assert.NotSame(t, train.Images(), test.Images())
	assert.Equal(t, 3, train.Images().Len(), "loading another split keeps the train features")

	// Test split batches are not shuffled: sorted by length, then collated.
	batches, err := test.Batches()
	require.NoError(t, err)
	require.Len(t, batches, 1)
	batch, err := test.Collate(batches[0])
	require.NoError(t, err)
	assert.Equal(t, []int{1, 0}, batch.IDs)
	assert.Equal(t, [][]float32{{1, 0}, {0, 1}}, batch.Img)

	// Reloading replaces the split's features.
	gen := test.Images().Generation()
	_, err = task.LoadDataset("test", 2, false)
	require.NoError(t, err)
	assert.NotEqual(t, gen, task.Dataset("test").Images().Generation())

	families, err := registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)

	_, err = task.LoadDataset("valid", 1, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, langpair.ErrDatasetNotFound))
}

func TestSkuAndBertDict(t *testing.T) {
	dir := t.TempDir()
	writeTestData(t, dir)
	writeFiles(t, dir, map[string]string{
		"sku/train.sku2vec": "d\nc c\na b c\n",
		"sku/test.sku2vec":  "b\na\n",
	})
	cfg := testConfig(t, dir, map[string]any{ParamSku2VecPath: filepath.Join(dir, "sku"), ParamBertDict: true})
	assert.True(t, cfg.BertDict)
	task, err := Setup(cfg)
	require.NoError(t, err)
	defer task.Close()
	// a=0 b=1 c=2 d=3, followed by [CLS] [PAD] [SEP] [UNK].
	assert.Equal(t, 8, task.SrcDict.Len())
	assert.Equal(t, int32(4), task.SrcDict.Bos())
	assert.Equal(t, int32(5), task.SrcDict.Pad())
	assert.Equal(t, int32(6), task.SrcDict.Eos())
	assert.Equal(t, int32(7), task.TgtDict.Unk())

	train, err := task.LoadDataset("train", 1, false)
	require.NoError(t, err)
	require.NotNil(t, train.Sku())
	assert.Equal(t, []int32{2, 2, 6}, train.Sku().Get(1))
	assert.Equal(t, []int32{0, 1, 6}, train.Source().Get(0))

	test, err := task.LoadDataset("test", 1, false)
	require.NoError(t, err)
	batch, err := test.Collate([]int{0, 1})
	require.NoError(t, err)
	// The sku rows follow the source order: example 1 ("b c") is longer than example 0 ("a").
	assert.Equal(t, []int{1, 0}, batch.IDs)
	assert.Equal(t, [][]int32{{0, 6}, {1, 6}}, batch.SkuTokens)

	// A split without its sku file fails to load.
	writeFiles(t, dir, map[string]string{"valid.en-de.en": "a\n", "ids/valid.img2ids": "0\n"})
	_, err = task.LoadDataset("valid", 1, false)
	require.Error(t, err)
}

func TestBuildDatasetForInference(t *testing.T) {
	dir := t.TempDir()
	writeTestData(t, dir)
	cfg := testConfig(t, dir, map[string]any{ParamBatchSize: 2, ParamMaxTokens: 0, ParamLeftPadSource: true})
	task, err := Setup(cfg)
	require.NoError(t, err)
	defer task.Close()

	images := imagefeatures.New()
	defer images.Release()
	writeFiles(t, dir, map[string]string{"inference.img2ids": "1\n0 1\n0\n"})
	require.NoError(t, images.Load(filepath.Join(dir, "img2vec.npy"), filepath.Join(dir, "inference.img2ids")))

	ds, err := task.BuildDatasetForInference([][]int32{{4, 2}, {5, 6, 7, 2}, {6, 2}}, images)
	require.NoError(t, err)
	assert.Equal(t, 3, ds.Len())
	assert.False(t, ds.HasTargets())
	batches, err := ds.Batches()
	require.NoError(t, err)
	numExamples := 0
	for _, indices := range batches {
		assert.LessOrEqual(t, len(indices), 2)
		numExamples += len(indices)
	}
	assert.Equal(t, 3, numExamples)

	batch, err := ds.Collate([]int{0, 1})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 0}, batch.IDs)
	assert.Equal(t, [][]int32{{5, 6, 7, 2}, {1, 1, 4, 2}}, batch.SrcTokens)
	assert.Nil(t, batch.Target)
	assert.Equal(t, [][]float32{{0.5, 0.5}, {0, 1}}, batch.Img)

	// One image feature vector per sequence.
	_, err = task.BuildDatasetForInference([][]int32{{4, 2}}, images)
	require.Error(t, err)
}

func TestImagePaths(t *testing.T) {
	task := &Task{Config: &Config{IsMultiFiles: true}}
	vec, ids, err := task.ImagePaths("/data/bpe/part3", "train")
	require.NoError(t, err)
	assert.Equal(t, "/data/bpe_mg_batch/image_patch_vectors_part_3.npy", vec)
	assert.Equal(t, "/data/bpe_mg_batch/part_3.img2ids", ids)

	// A trailing "/" counts as an element.
	vec, ids, err = task.ImagePaths("/root/data/bpe/part3/", "valid")
	require.NoError(t, err)
	assert.Equal(t, "/root/data/bpe/bpe_mg_batch/image_patch_vectors_valid.npy", vec)
	assert.Equal(t, "/root/data/bpe/bpe_mg_batch/valid.img2ids", ids)

	vec, ids, err = task.ImagePaths("/root/data/bpe/part12/", "train")
	require.NoError(t, err)
	assert.Equal(t, "/root/data/bpe/bpe_mg_batch/image_patch_vectors_part_12.npy", vec)
	assert.Equal(t, "/root/data/bpe/bpe_mg_batch/part_12.img2ids", ids)

	vec, _, err = task.ImagePaths("bpe/part1", "test")
	require.NoError(t, err)
	assert.Equal(t, "bpe_mg_batch/image_patch_vectors_test.npy", vec)

	_, _, err = task.ImagePaths("/data/bpe/all", "train")
	require.Error(t, err)

	task.Config = &Config{Img2IDsPath: "/ids", Img2VecPath: "/vec.npy"}
	vec, ids, err = task.ImagePaths("/data", "test")
	require.NoError(t, err)
	assert.Equal(t, "/vec.npy", vec)
	assert.Equal(t, "/ids/test.img2ids", ids)
}

func TestValidStep(t *testing.T) {
	dir := t.TempDir()
	writeTestData(t, dir)
	cfg := testConfig(t, dir, map[string]any{ParamEvalBLEU: true, ParamEvalBLEUPrintSamples: true})
	task, err := Setup(cfg)
	require.NoError(t, err)
	require.NoError(t, task.BuildEval())
	train, err := task.LoadDataset("train", 1, false)
	require.NoError(t, err)
	batch, err := train.Collate([]int{0, 1, 2})
	require.NoError(t, err)

	// A perfect generator returns the targets.
	perfect := GeneratorFunc(func(batch *langpair.Batch) ([][]int32, error) {
		return batch.Target, nil
	})
	output, err := task.ValidStep(batch, perfect)
	require.NoError(t, err)
	assert.Equal(t, 7.0, output["_bleu_sys_len"])
	assert.Equal(t, 7.0, output["_bleu_ref_len"])
	metrics := task.ReduceMetrics([]map[string]float64{output, output})
	assert.Equal(t, 100.0, metrics["bleu"])
	assert.Equal(t, 14.0, metrics["_bleu_sys_len"])

	// Unknown tokens never match.
	unk := GeneratorFunc(func(batch *langpair.Batch) ([][]int32, error) {
		hyps := make([][]int32, batch.Size())
		for ii := range hyps {
			hyps[ii] = []int32{task.TgtDict.Unk(), task.TgtDict.Eos()}
		}
		return hyps, nil
	})
	hyps, refs, err := task.Decode(batch, [][]int32{{task.TgtDict.Unk()}, {4}, {5}})
	require.NoError(t, err)
	assert.Equal(t, "UNKNOWNTOKENINHYP", hyps[0])
	assert.Len(t, refs, 3)
	output, err = task.ValidStep(batch, unk)
	require.NoError(t, err)
	assert.Equal(t, 0.0, output["_bleu_counts_0"])

	_, err = task.ValidStep(batch, GeneratorFunc(func(*langpair.Batch) ([][]int32, error) { return nil, nil }))
	require.Error(t, err)

	// Without totals there is no derived score.
	assert.NotContains(t, task.ReduceMetrics(nil), "bleu")

	task.Config.EvalBLEUDetok = ""
	require.Error(t, task.BuildEval())
	task.Config.EvalBLEUDetok = "moses"
	require.Error(t, task.BuildEval())
}

func TestTrainingLoss(t *testing.T) {
	dir := t.TempDir()
	writeTestData(t, dir)
	const relMargin = 0.75
	settings := []map[string]any{
		{ParamTaskType: "vpg"},
		{ParamTaskType: "vpg", ParamAddRelMargin: true, ParamRelMargin: relMargin},
		{ParamTaskType: "new_vpg", ParamImgLen: 1},
		{ParamTaskType: "new_vpg", ParamImgLen: 1, ParamAddRelMargin: true, ParamRelMargin: relMargin},
	}
	tasks := make([]*Task, len(settings))
	for ii, s := range settings {
		var err error
		tasks[ii], err = Setup(testConfig(t, dir, s))
		require.NoError(t, err)
	}

	// All variables start at zero, so every case shares the same head outputs.
	ctx := context.New().WithInitializer(initializers.Zero)
	exec := context.MustNewExec(graphtest.BuildTestBackend(), ctx, func(ctx *context.Context, inputs []*Node) []*Node {
		losses := make([]*Node, len(tasks))
		for ii, task := range tasks {
			in := vpg.HeadInputs{
				DecoderStates:      inputs[0],
				EncoderStates:      inputs[1],
				DecoderEncoderAttn: inputs[2],
				SrcTokens:          inputs[3],
				SrcPadMask:         inputs[4],
				Img:                inputs[5],
			}
			if task.Config.CopyMode.IsSliced() {
				in.EncoderSelfAttn = inputs[6]
				in.SrcTokens = Slice(inputs[3], AxisRange(), AxisRange(0, 2))
			}
			losses[ii], _ = task.TrainingLoss(ctx.In(fmt.Sprintf("case_%d", ii)), in, inputs[7])
		}
		return losses
	})
	outputs := exec.MustExec(
		[][][]float32{{{1, 0}, {0, 1}}},
		[][][]float32{{{1, 1}, {0, 1}, {1, 0}}},
		[][][]float32{{{0.2, 0.3, 0.5}, {0.6, 0.3, 0.1}}},
		[][]int32{{4, 5, 2}},
		[][]bool{{false, false, false}},
		[][]float32{{0.5, 0.5}},
		[][][]float32{{{0.5, 0.5, 0}, {0.5, 0.5, 0}, {0.2, 0.3, 0.5}}},
		[][]int32{{5, 1}},
	)
	require.Len(t, outputs, len(settings))
	losses := make([]float32, len(outputs))
	for ii, output := range outputs {
		losses[ii] = output.Value().(float32)
		assert.Greaterf(t, losses[ii], float32(0), "settings %v", settings[ii])
	}

	// Non-sliced modes have no image positions in the encoder states: the margin is never added.
	assert.InDelta(t, losses[0], losses[1], 1e-6)

	// With a batch of one the only permutation is the identity: each direction of the triplet loss compares the
	// example with itself and contributes exactly the margin.
	assert.InDelta(t, losses[2]+2*relMargin, losses[3], 1e-4)
}
