// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package matchgo

import (
	"math"
	"slices"

	"github.com/gomlx/vpgmt/pkg/ml/data/langpair"
	"github.com/gomlx/vpgmt/pkg/ml/eval/bleu"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Unknown tokens are decoded to different strings in hypotheses and references, so they never match.
const (
	UnkInReference  = "UNKNOWNTOKENINREF"
	UnkInHypothesis = "UNKNOWNTOKENINHYP"
)

// Generator produces the best hypothesis (target token ids, possibly ending with eos) for every example of a
// batch, in batch order.
type Generator interface {
	Generate(batch *langpair.Batch) ([][]int32, error)
}

// GeneratorFunc adapts a function to a Generator.
type GeneratorFunc func(batch *langpair.Batch) ([][]int32, error)

// Generate implements Generator.
func (fn GeneratorFunc) Generate(batch *langpair.Batch) ([][]int32, error) { return fn(batch) }

// Detokenizer converts decoded text back to its natural form before scoring.
type Detokenizer func(string) string

var detokenizers = map[string]Detokenizer{
	"space": func(s string) string { return s },
	"none":  nil,
}

type evaluator struct {
	detok    Detokenizer
	tokenize bleu.Tokenizer
}

// BuildEval prepares BLEU evaluation, if EvalBLEU is configured. It must be called before ValidStep.
func (t *Task) BuildEval() error {
	cfg := t.Config
	if !cfg.EvalBLEU {
		return nil
	}
	if cfg.EvalBLEUDetok == "" {
		return errors.Errorf("%q is required if using %q; use \"space\" to disable detokenization, e.g. when using "+
			"sentencepiece", ParamEvalBLEUDetok, ParamEvalBLEU)
	}
	detok, found := detokenizers[cfg.EvalBLEUDetok]
	if !found {
		return errors.Errorf("unsupported %s=%q, valid values are \"space\" and \"none\"", ParamEvalBLEUDetok, cfg.EvalBLEUDetok)
	}
	tokenizerName := "13a"
	if cfg.EvalTokenizedBLEU {
		tokenizerName = "none"
	}
	tokenize, err := bleu.TokenizerByName(tokenizerName)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.eval = &evaluator{detok: detok, tokenize: tokenize}
	t.mu.Unlock()
	return nil
}

// decode converts target ids to text, removing the BPE markers and detokenizing.
func (t *Task) decode(ids []int32, escapeUnk bool) string {
	unk := UnkInHypothesis
	if escapeUnk {
		unk = UnkInReference
	}
	s := t.TgtDict.String(ids, t.Config.EvalBLEURemoveBPE, unk)
	if t.eval.detok != nil {
		s = t.eval.detok(s)
	}
	return s
}

// Decode returns the hypothesis and reference texts of a batch, as used by ValidStep.
func (t *Task) Decode(batch *langpair.Batch, hypotheses [][]int32) (hyps, refs []string, err error) {
	if t.eval == nil {
		return nil, nil, errors.New("matchgo: BuildEval must be called before decoding")
	}
	if batch.Target == nil {
		return nil, nil, errors.New("matchgo: cannot evaluate BLEU on a batch without targets")
	}
	if len(hypotheses) != batch.Size() {
		return nil, nil, errors.Errorf("matchgo: generator returned %d hypotheses for a batch of %d examples",
			len(hypotheses), batch.Size())
	}
	for ii := range hypotheses {
		hyps = append(hyps, t.decode(hypotheses[ii], false))
		refs = append(refs, t.decode(batch.Target[ii], true))
	}
	return
}

// ValidStep generates hypotheses for batch and returns the BLEU statistics against the batch targets as
// logging output. It returns nil if BLEU evaluation is not configured.
func (t *Task) ValidStep(batch *langpair.Batch, generator Generator) (map[string]float64, error) {
	if !t.Config.EvalBLEU {
		return nil, nil
	}
	hypotheses, err := generator.Generate(batch)
	if err != nil {
		return nil, errors.WithMessage(err, "matchgo: generation failed")
	}
	hyps, refs, err := t.Decode(batch, hypotheses)
	if err != nil {
		return nil, err
	}
	if t.Config.EvalBLEUPrintSamples && len(hyps) > 0 {
		klog.Infof("example hypothesis: %s", hyps[0])
		klog.Infof("example reference: %s", refs[0])
	}
	stats, err := bleu.Corpus(hyps, refs, t.eval.tokenize)
	if err != nil {
		return nil, err
	}
	return stats.LoggingOutput(), nil
}

// ReduceMetrics sums the logging outputs of the validation steps and derives the "bleu" score, rounded to 2
// decimals, if any n-gram was counted.
func (t *Task) ReduceMetrics(outputs []map[string]float64) map[string]float64 {
	sum := bleu.SumLoggingOutputs(outputs...)
	if !t.Config.EvalBLEU {
		return sum
	}
	stats := bleu.FromLoggingOutput(sum)
	if slices.Max(stats.Totals[:]) > 0 {
		sum["bleu"] = math.Round(stats.Score(bleu.SmoothExp)*100) / 100
	}
	return sum
}
