// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package bleu

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenize13a(t *testing.T) {
	for input, want := range map[string]string{
		"Hello, world! It's 3.5-4 km.":   "Hello , world ! It's 3.5 - 4 km .",
		"a &amp; b &lt;c&gt;":            "a & b < c >",
		"  spaced\nlines  ":              "spaced lines",
		"line-\nbreak (x) [y] {z} 1,000": "linebreak ( x ) [ y ] { z } 1,000",
		"<skipped>done":                  "done",
	} {
		assert.Equalf(t, want, Tokenize13a(input), "input %q", input)
	}
	assert.Equal(t, "Hello, world!", TokenizeNone("Hello, world!"))

	tok, err := TokenizerByName("none")
	require.NoError(t, err)
	assert.Equal(t, "a,b", tok("a,b"))
	_, err = TokenizerByName("moses")
	require.Error(t, err)
}

func TestScore(t *testing.T) {
	s, err := Corpus([]string{"the cat sat on the mat"}, []string{"the cat sat on the mat"}, nil)
	require.NoError(t, err)
	assert.InDelta(t, 100.0, s.Score(SmoothExp), 1e-9)

	s, err = Corpus([]string{"the the the the the the the"}, []string{"the cat is on the mat"}, nil)
	require.NoError(t, err)
	assert.Equal(t, [MaxOrder]int{2, 0, 0, 0}, s.Counts)
	assert.Equal(t, [MaxOrder]int{7, 6, 5, 4}, s.Totals)
	assert.Equal(t, 7, s.SysLen)
	assert.Equal(t, 6, s.RefLen)
	want := math.Exp((math.Log(100.0*2/7) + math.Log(100.0/(2*6)) + math.Log(100.0/(4*5)) + math.Log(100.0/(8*4))) / 4)
	assert.InDelta(t, want, s.Score(SmoothExp), 1e-9)
	assert.InDelta(t, 0.0, s.Score(SmoothNone), 1e-9)

	// Brevity penalty.
	s, err = Corpus([]string{"the cat sat on"}, []string{"the cat sat on the mat"}, TokenizeNone)
	require.NoError(t, err)
	assert.Equal(t, [MaxOrder]int{4, 3, 2, 1}, s.Totals)
	assert.InDelta(t, 100*math.Exp(1-6.0/4.0), s.Score(SmoothExp), 1e-9)

	// Hypotheses shorter than the maximum order score 0, smoothing doesn't apply to empty orders.
	s, err = Corpus([]string{"the cat"}, []string{"the cat sat on the mat"}, TokenizeNone)
	require.NoError(t, err)
	assert.Equal(t, [MaxOrder]int{2, 1, 0, 0}, s.Totals)
	assert.InDelta(t, 0.0, s.Score(SmoothExp), 1e-9)

	// Empty hypotheses.
	s, err = Corpus([]string{""}, []string{"a b"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0.0, s.Score(SmoothExp))

	_, err = Corpus([]string{"a"}, nil, nil)
	require.Error(t, err)
}

func TestLoggingOutput(t *testing.T) {
	s1 := Sentence([]string{"a", "b", "c"}, []string{"a", "b", "d"})
	s2 := Sentence([]string{"x", "y"}, []string{"x", "y", "z"})
	out1, out2 := s1.LoggingOutput(), s2.LoggingOutput()
	assert.Equal(t, 2.0, out1["_bleu_counts_0"])
	assert.Equal(t, 1.0, out1["_bleu_counts_1"])
	assert.Equal(t, 3.0, out1["_bleu_totals_0"])
	assert.Equal(t, 3.0, out1["_bleu_sys_len"])
	assert.Len(t, out1, 2*MaxOrder+2)

	sum := SumLoggingOutputs(out1, out2, map[string]float64{"loss": 1.5})
	total := FromLoggingOutput(sum)
	want := s1
	want.Add(s2)
	assert.Equal(t, want, total)
	assert.Equal(t, 5, total.SysLen)
	assert.Equal(t, 6, total.RefLen)
	assert.Equal(t, 1.5, sum["loss"])
	assert.Contains(t, total.String(), "BLEU = ")
}
