// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package bleu computes corpus BLEU the way sacrebleu does, from sufficient statistics that can be
// accumulated over batches and summed across workers.
package bleu

import (
	"fmt"
	"math"
	"strings"

	"github.com/pkg/errors"
)

// MaxOrder is the maximum n-gram order.
const MaxOrder = 4

// Logging output keys.
const (
	KeyCountsPrefix = "_bleu_counts_"
	KeyTotalsPrefix = "_bleu_totals_"
	KeySysLen       = "_bleu_sys_len"
	KeyRefLen       = "_bleu_ref_len"
)

// Stats are the sufficient statistics of BLEU.
type Stats struct {
	// Counts[n] is the number of clipped matching (n+1)-grams, and Totals[n] the number of (n+1)-grams in the
	// hypotheses.
	Counts, Totals [MaxOrder]int

	// SysLen and RefLen are the total lengths of the hypotheses and references, in tokens.
	SysLen, RefLen int
}

// Add accumulates other into s.
func (s *Stats) Add(other Stats) {
	for n := range MaxOrder {
		s.Counts[n] += other.Counts[n]
		s.Totals[n] += other.Totals[n]
	}
	s.SysLen += other.SysLen
	s.RefLen += other.RefLen
}

// ngramCounts counts the n-grams of tokens, for n in 1..MaxOrder.
func ngramCounts(tokens []string) map[string]int {
	counts := make(map[string]int)
	for n := 1; n <= MaxOrder; n++ {
		for start := 0; start+n <= len(tokens); start++ {
			counts[strings.Join(tokens[start:start+n], " ")]++
		}
	}
	return counts
}

// Sentence returns the statistics of one hypothesis against one reference, both already tokenized.
func Sentence(hypTokens, refTokens []string) Stats {
	var s Stats
	s.SysLen, s.RefLen = len(hypTokens), len(refTokens)
	refCounts := ngramCounts(refTokens)
	for ngram, count := range ngramCounts(hypTokens) {
		n := strings.Count(ngram, " ")
		s.Counts[n] += min(count, refCounts[ngram])
	}
	for n := range MaxOrder {
		s.Totals[n] = max(0, len(hypTokens)-n)
	}
	return s
}

// Corpus returns the statistics of the hypotheses against their references, after tokenizing both with
// tokenize.
func Corpus(hyps, refs []string, tokenize Tokenizer) (Stats, error) {
	var s Stats
	if len(hyps) != len(refs) {
		return s, errors.Errorf("bleu.Corpus: %d hypotheses but %d references", len(hyps), len(refs))
	}
	if tokenize == nil {
		tokenize = Tokenize13a
	}
	for ii := range hyps {
		s.Add(Sentence(strings.Fields(tokenize(hyps[ii])), strings.Fields(tokenize(refs[ii]))))
	}
	return s, nil
}

// Smoothing selects how zero n-gram matches are handled by Score.
type Smoothing int

const (
	// SmoothExp halves the precision of each successive order with no match ("exp" in sacrebleu, the
	// NIST geometric sequence smoothing).
	SmoothExp Smoothing = iota

	// SmoothNone leaves zero precisions, making the score 0.
	SmoothNone
)

// logOf is the logarithm with a very negative value for 0, as sacrebleu does.
func logOf(x float64) float64 {
	if x == 0 {
		return -9999999999
	}
	return math.Log(x)
}

// Score returns the BLEU score, from 0 to 100.
func (s Stats) Score(smooth Smoothing) float64 {
	if s.SysLen == 0 {
		return 0
	}
	var precisions [MaxOrder]float64
	smoothFactor := 1.0
	for n := range MaxOrder {
		if s.Totals[n] == 0 {
			break
		}
		if s.Counts[n] == 0 {
			if smooth == SmoothExp {
				smoothFactor *= 2
				precisions[n] = 100 / (smoothFactor * float64(s.Totals[n]))
			}
			continue
		}
		precisions[n] = 100 * float64(s.Counts[n]) / float64(s.Totals[n])
	}
	brevityPenalty := 1.0
	if s.SysLen < s.RefLen {
		brevityPenalty = math.Exp(1 - float64(s.RefLen)/float64(s.SysLen))
	}
	sumLogs := 0.0
	for _, p := range precisions {
		sumLogs += logOf(p)
	}
	return brevityPenalty * math.Exp(sumLogs/MaxOrder)
}

// String formats the statistics the way sacrebleu prints a score.
func (s Stats) String() string {
	var precisions [MaxOrder]string
	for n := range MaxOrder {
		p := 0.0
		if s.Totals[n] > 0 {
			p = 100 * float64(s.Counts[n]) / float64(s.Totals[n])
		}
		precisions[n] = fmt.Sprintf("%.1f", p)
	}
	ratio := 0.0
	if s.RefLen > 0 {
		ratio = float64(s.SysLen) / float64(s.RefLen)
	}
	return fmt.Sprintf("BLEU = %.2f %s (ratio = %.3f hyp_len = %d ref_len = %d)",
		s.Score(SmoothExp), strings.Join(precisions[:], "/"), ratio, s.SysLen, s.RefLen)
}

// LoggingOutput returns the statistics as logging output entries, to be summed across batches.
func (s Stats) LoggingOutput() map[string]float64 {
	out := make(map[string]float64, 2*MaxOrder+2)
	for n := range MaxOrder {
		out[fmt.Sprintf("%s%d", KeyCountsPrefix, n)] = float64(s.Counts[n])
		out[fmt.Sprintf("%s%d", KeyTotalsPrefix, n)] = float64(s.Totals[n])
	}
	out[KeySysLen] = float64(s.SysLen)
	out[KeyRefLen] = float64(s.RefLen)
	return out
}

// FromLoggingOutput is the inverse of LoggingOutput. Missing keys count as 0.
func FromLoggingOutput(output map[string]float64) Stats {
	var s Stats
	for n := range MaxOrder {
		s.Counts[n] = int(output[fmt.Sprintf("%s%d", KeyCountsPrefix, n)])
		s.Totals[n] = int(output[fmt.Sprintf("%s%d", KeyTotalsPrefix, n)])
	}
	s.SysLen = int(output[KeySysLen])
	s.RefLen = int(output[KeyRefLen])
	return s
}

// SumLoggingOutputs adds up the values of each key over outputs.
func SumLoggingOutputs(outputs ...map[string]float64) map[string]float64 {
	sum := make(map[string]float64)
	for _, output := range outputs {
		for key, value := range output {
			sum[key] += value
		}
	}
	return sum
}
