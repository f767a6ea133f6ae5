// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/numpy"
	"github.com/gomlx/vpgmt/pkg/ml/data/imagefeatures"
	"github.com/gomlx/vpgmt/pkg/ml/eval/bleu"
	"github.com/gomlx/vpgmt/pkg/ml/tasks/matchgo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestScoreFiles(t *testing.T) {
	dir := t.TempDir()
	ref := writeFile(t, dir, "ref.txt", "the cat sat on the mat.\nhello, world!\n")
	hyp := writeFile(t, dir, "hyp.txt", "the cat sat on the mat.\nhello, world!\n")
	short := writeFile(t, dir, "short.txt", "the cat sat on the mat.\n")

	var progress bytes.Buffer
	stats, err := scoreFiles(hyp, ref, bleu.Tokenize13a, &progress)
	require.NoError(t, err)
	assert.InDelta(t, 100.0, stats.Score(bleu.SmoothExp), 1e-9)
	assert.Equal(t, 11, stats.SysLen)
	assert.NotEmpty(t, progress.String())

	_, err = scoreFiles(short, ref, bleu.Tokenize13a, nil)
	require.Error(t, err)
	_, err = scoreFiles(filepath.Join(dir, "missing.txt"), ref, bleu.Tokenize13a, nil)
	require.Error(t, err)

	_, err = parseSmoothing("floor")
	require.Error(t, err)
	smooth, err := parseSmoothing("none")
	require.NoError(t, err)
	assert.Equal(t, bleu.SmoothNone, smooth)
}

func TestCheckFeatures(t *testing.T) {
	dir := t.TempDir()
	matrix := filepath.Join(dir, "img2vec.npy")
	require.NoError(t, numpy.ToNpyFile(tensors.FromValue([][]float32{{3, 4}, {0, 1}, {float32(math.NaN()), 0}}), matrix))
	ids := writeFile(t, dir, "valid.img2ids", "0\n1\n0 1\n2\n")

	registry := prometheus.NewRegistry()
	store := imagefeatures.New(imagefeatures.WithMetrics(registry, "test"))
	require.NoError(t, store.Load(matrix, ids))
	report, err := checkFeatures(store, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, report.NonFinite)
	assert.InDelta(t, 0.0, report.MinNorm, 1e-9)
	assert.InDelta(t, 5.0, report.MaxNorm, 1e-9)

	families, err := registry.Gather()
	require.NoError(t, err)
	rows := metricRows(families)
	require.NotEmpty(t, rows)
	values := make(map[string]string)
	for _, row := range rows {
		values[row[0]] = row[1]
	}
	assert.Equal(t, "4", values["vpgmt_image_features_examples"])
	assert.Equal(t, "4", values["vpgmt_image_features_cache_misses_total"])
}

func TestTaskContext(t *testing.T) {
	dir := t.TempDir()
	configPath := writeFile(t, dir, "task.yaml", "data: /data/bpe/part1\ntask_type: tpg\n")
	cmd := newInspectCmd()
	require.NoError(t, cmd.Flags().Set("config", configPath))
	require.NoError(t, cmd.Flags().Set("set", "img_len=196;task_type=new_tpg"))
	v, err := settings(cmd)
	require.NoError(t, err)
	ctx, paramsSet, err := taskContext(v)
	require.NoError(t, err)
	assert.Contains(t, paramsSet, matchgo.ParamData)
	cfg, err := matchgo.ConfigFromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"/data/bpe/part1"}, cfg.Data)
	assert.Equal(t, 196, cfg.ImgLen)
	assert.Equal(t, "new_tpg", cfg.CopyMode.String())

	require.NoError(t, cmd.Flags().Set("set", "no_such_param=1"))
	v, err = settings(cmd)
	require.NoError(t, err)
	_, _, err = taskContext(v)
	require.Error(t, err)
}
