// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/vpgmt/pkg/ml/eval/bleu"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newBLEUCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bleu",
		Short: "Scores a file of hypotheses against a file of references, one sentence per line",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := settings(cmd)
			if err != nil {
				return err
			}
			return scoreCommand(v)
		},
	}
	cmd.Flags().String("hyp", "", "Hypotheses file.")
	cmd.Flags().String("ref", "", "References file.")
	cmd.Flags().String("tokenize", "13a", `Tokenization applied before scoring, "13a" or "none".`)
	cmd.Flags().String("smooth", "exp", `Smoothing of zero n-gram matches, "exp" or "none".`)
	cmd.Flags().Bool("progress", true, "Display a progress bar while scoring.")
	return cmd
}

func readLines(filePath string) ([]string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %q", filePath)
	}
	defer func() { _ = f.Close() }()
	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		lines = append(lines, strings.TrimRight(scanner.Text(), "\r"))
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read %q", filePath)
	}
	return lines, nil
}

// scoreFiles accumulates the BLEU statistics of the lines of hypPath against refPath.
// Progress is written to progress, if not nil.
func scoreFiles(hypPath, refPath string, tokenize bleu.Tokenizer, progress io.Writer) (stats bleu.Stats, err error) {
	hyps, err := readLines(hypPath)
	if err != nil {
		return
	}
	refs, err := readLines(refPath)
	if err != nil {
		return
	}
	if len(hyps) != len(refs) {
		err = errors.Errorf("%q has %d lines but %q has %d", hypPath, len(hyps), refPath, len(refs))
		return
	}
	var bar *progressbar.ProgressBar
	if progress != nil {
		bar = progressbar.NewOptions(len(hyps),
			progressbar.OptionSetDescription("scoring"),
			progressbar.OptionSetWriter(progress),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("sentences"),
		)
	}
	for ii := range hyps {
		stats.Add(bleu.Sentence(strings.Fields(tokenize(hyps[ii])), strings.Fields(tokenize(refs[ii]))))
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	if bar != nil {
		_ = bar.Finish()
		_, _ = fmt.Fprintln(progress)
	}
	return
}

func parseSmoothing(name string) (bleu.Smoothing, error) {
	switch name {
	case "exp", "":
		return bleu.SmoothExp, nil
	case "none":
		return bleu.SmoothNone, nil
	}
	return 0, errors.Errorf("unknown smoothing %q, valid values are \"exp\" and \"none\"", name)
}

func scoreCommand(v *viper.Viper) error {
	hypPath, refPath := v.GetString("hyp"), v.GetString("ref")
	if hypPath == "" || refPath == "" {
		return errors.New("both --hyp and --ref are required")
	}
	tokenize, err := bleu.TokenizerByName(v.GetString("tokenize"))
	if err != nil {
		return err
	}
	smooth, err := parseSmoothing(v.GetString("smooth"))
	if err != nil {
		return err
	}
	var progress io.Writer
	if v.GetBool("progress") {
		progress = os.Stderr
	}
	var (
		stats    bleu.Stats
		scoreErr error
	)
	if err = exceptions.TryCatch[error](func() {
		stats, scoreErr = scoreFiles(hypPath, refPath, tokenize, progress)
	}); err != nil {
		return errors.WithMessage(err, "scoring failed")
	}
	if scoreErr != nil {
		return scoreErr
	}
	fmt.Println(scoreStyle.Render(stats.String()))
	if smooth != bleu.SmoothExp {
		fmt.Printf("BLEU (no smoothing) = %.2f\n", stats.Score(smooth))
	}
	return nil
}
