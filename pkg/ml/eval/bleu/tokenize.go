// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package bleu

import (
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// Tokenizer splits a sentence into whitespace separated tokens.
type Tokenizer func(line string) string

var (
	re13aPunctuation  = regexp.MustCompile("([{-~\\[-` -&(-+:-@/])")
	re13aPeriodAfter  = regexp.MustCompile(`([^0-9])([.,])`)
	re13aPeriodBefore = regexp.MustCompile(`([.,])([^0-9])`)
	re13aDash         = regexp.MustCompile(`([0-9])(-)`)

	htmlEntities = strings.NewReplacer("&quot;", `"`, "&amp;", "&", "&lt;", "<", "&gt;", ">")
)

// Tokenize13a is the mteval-v13a tokenizer, the default of sacrebleu.
func Tokenize13a(line string) string {
	line = strings.ReplaceAll(line, "<skipped>", "")
	line = strings.ReplaceAll(line, "-\n", "")
	line = strings.ReplaceAll(line, "\n", " ")
	if strings.Contains(line, "&") {
		line = htmlEntities.Replace(line)
	}
	line = " " + line + " "
	line = re13aPunctuation.ReplaceAllString(line, " ${1} ")
	line = re13aPeriodAfter.ReplaceAllString(line, "${1} ${2} ")
	line = re13aPeriodBefore.ReplaceAllString(line, " ${1} ${2}")
	line = re13aDash.ReplaceAllString(line, "${1} ${2} ")
	return strings.Join(strings.Fields(line), " ")
}

// TokenizeNone leaves the line as is: used for already tokenized text.
func TokenizeNone(line string) string { return line }

// TokenizerByName returns the tokenizer for "13a" or "none".
func TokenizerByName(name string) (Tokenizer, error) {
	switch name {
	case "13a", "":
		return Tokenize13a, nil
	case "none":
		return TokenizeNone, nil
	}
	return nil, errors.Errorf("unknown BLEU tokenizer %q, valid values are \"13a\" and \"none\"", name)
}
