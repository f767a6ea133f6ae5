// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dictionary maps tokens to vocabulary ids using the plain-text "dict.<lang>.txt" format
// produced by the usual NMT preprocessing tools: one "<symbol> <count>" pair per line.
//
// The special symbols are registered first, in this order:
//
//	<s>    (bos) = 0
//	<pad>        = 1
//	</s>   (eos) = 2
//	<unk>        = 3
//
// BERT vocabularies (ReadBert) list their own special symbols instead.
//
// Source and target dictionaries built this way share the same pad/eos/unk ids, which the
// copy mechanism relies on (see CheckCompatible).
package dictionary

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	BosWord = "<s>"
	PadWord = "<pad>"
	EosWord = "</s>"
	UnkWord = "<unk>"

	// Special symbols of BERT vocabularies, see ReadBert.
	BertClsWord = "[CLS]"
	BertPadWord = "[PAD]"
	BertSepWord = "[SEP]"
	BertUnkWord = "[UNK]"

	// overwriteFlag marks a line whose symbol may replace an existing entry.
	overwriteFlag = "#fairseq:overwrite"
)

// ErrIncompatible is returned by CheckCompatible when the special ids differ.
var ErrIncompatible = errors.New("dictionaries have different special symbol ids")

// Dictionary is an ordered vocabulary. The zero value is not usable, use New or Load.
type Dictionary struct {
	symbols []string
	counts  []int
	indices map[string]int32

	bos, pad, eos, unk int32
	unkWord            string
}

// New returns a dictionary with only the special symbols.
func New() *Dictionary {
	d := &Dictionary{indices: make(map[string]int32), unkWord: UnkWord}
	d.bos = d.AddSymbol(BosWord, 1)
	d.pad = d.AddSymbol(PadWord, 1)
	d.eos = d.AddSymbol(EosWord, 1)
	d.unk = d.AddSymbol(UnkWord, 1)
	return d
}

// Load reads a dictionary file.
func Load(filePath string) (*Dictionary, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open dictionary %q", filePath)
	}
	defer func() { _ = f.Close() }()
	d, err := Read(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "while reading dictionary %q", filePath)
	}
	klog.V(1).Infof("dictionary %q: %d types", filePath, d.Len())
	return d, nil
}

// Read parses a dictionary from r.
func Read(r io.Reader) (*Dictionary, error) {
	d := New()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if strings.TrimSpace(line) == "" {
			continue
		}
		overwrite := false
		if strings.HasSuffix(line, " "+overwriteFlag) {
			overwrite = true
			line = strings.TrimSuffix(line, " "+overwriteFlag)
		}
		sep := strings.LastIndexByte(line, ' ')
		if sep <= 0 {
			return nil, errors.Errorf("line %d: incorrect dictionary format, expected '<token> <cnt> [flags]', got %q",
				lineNum, line)
		}
		word, countStr := line[:sep], line[sep+1:]
		count, err := strconv.Atoi(countStr)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d: invalid count %q", lineNum, countStr)
		}
		if _, found := d.indices[word]; found && !overwrite {
			return nil, errors.Errorf("line %d: duplicate word %q found in dictionary, add %q to the line to overwrite it",
				lineNum, word, overwriteFlag)
		}
		d.AddSymbol(word, count)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to scan dictionary")
	}
	return d, nil
}

// LoadBert reads a BERT vocabulary file, see ReadBert.
func LoadBert(filePath string) (*Dictionary, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open BERT dictionary %q", filePath)
	}
	defer func() { _ = f.Close() }()
	d, err := ReadBert(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "while reading BERT dictionary %q", filePath)
	}
	klog.V(1).Infof("BERT dictionary %q: %d types", filePath, d.Len())
	return d, nil
}

// ReadBert parses a BERT vocabulary: one "<symbol>" or "<symbol> <count>" per line, with ids assigned in file
// order and no symbols registered beforehand. [CLS], [PAD], [SEP] and [UNK] take the roles of bos, pad, eos and
// unk, and are appended if the vocabulary doesn't list them.
func ReadBert(r io.Reader) (*Dictionary, error) {
	d := &Dictionary{indices: make(map[string]int32), unkWord: BertUnkWord}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		fields := strings.Fields(scanner.Text())
		switch len(fields) {
		case 0:
			continue
		case 1:
			d.AddSymbol(fields[0], 1)
		case 2:
			count, err := strconv.Atoi(fields[1])
			if err != nil {
				return nil, errors.Wrapf(err, "line %d: invalid count %q", lineNum, fields[1])
			}
			d.AddSymbol(fields[0], count)
		default:
			return nil, errors.Errorf("line %d: incorrect BERT dictionary format, expected '<token> [<cnt>]', got %q",
				lineNum, scanner.Text())
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to scan BERT dictionary")
	}
	d.bos = d.AddSymbol(BertClsWord, 0)
	d.pad = d.AddSymbol(BertPadWord, 0)
	d.eos = d.AddSymbol(BertSepWord, 0)
	d.unk = d.AddSymbol(BertUnkWord, 0)
	return d, nil
}

// AddSymbol adds word to the dictionary, or increments its count if it is already present,
// and returns its id.
func (d *Dictionary) AddSymbol(word string, count int) int32 {
	if idx, found := d.indices[word]; found {
		d.counts[idx] += count
		return idx
	}
	idx := int32(len(d.symbols))
	d.indices[word] = idx
	d.symbols = append(d.symbols, word)
	d.counts = append(d.counts, count)
	return idx
}

func (d *Dictionary) Bos() int32 { return d.bos }
func (d *Dictionary) Pad() int32 { return d.pad }
func (d *Dictionary) Eos() int32 { return d.eos }
func (d *Dictionary) Unk() int32 { return d.unk }

// Len returns the number of symbols, including the special ones.
func (d *Dictionary) Len() int { return len(d.symbols) }

// Index returns the id of the symbol, or Unk() if it is not in the dictionary.
func (d *Dictionary) Index(symbol string) int32 {
	if idx, found := d.indices[symbol]; found {
		return idx
	}
	return d.unk
}

// Contains reports whether symbol has its own entry.
func (d *Dictionary) Contains(symbol string) bool {
	_, found := d.indices[symbol]
	return found
}

// Symbol returns the symbol for id, or the unk word if id is out of range.
func (d *Dictionary) Symbol(id int32) string {
	if id < 0 || int(id) >= len(d.symbols) {
		return d.unkWord
	}
	return d.symbols[id]
}

// Count returns how many times the symbol with the given id was seen when building the dictionary.
func (d *Dictionary) Count(id int32) int {
	if id < 0 || int(id) >= len(d.counts) {
		return 0
	}
	return d.counts[id]
}

// EncodeLine splits line on whitespace and maps each token to its id. Unknown tokens map to Unk().
func (d *Dictionary) EncodeLine(line string, appendEOS bool) []int32 {
	words := strings.Fields(line)
	ids := make([]int32, 0, len(words)+1)
	for _, w := range words {
		ids = append(ids, d.Index(w))
	}
	if appendEOS {
		ids = append(ids, d.eos)
	}
	return ids
}

// String converts ids back to text.
//
// bos, eos and pad are dropped. Unknown ids are rendered as unkString, or as the unk word if unkString is empty.
// If bpeSymbol is not empty, the subword continuation marker is removed with PostProcess.
func (d *Dictionary) String(ids []int32, bpeSymbol, unkString string) string {
	if unkString == "" {
		unkString = d.unkWord
	}
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		switch id {
		case d.eos, d.bos, d.pad:
			continue
		case d.unk:
			parts = append(parts, unkString)
		default:
			parts = append(parts, d.Symbol(id))
		}
	}
	return PostProcess(strings.Join(parts, " "), bpeSymbol)
}

// PostProcess removes the subword segmentation markers from a sentence.
//
// Recognized values for bpeSymbol: "" or "none" (no-op), "sentencepiece", "subword_nmt" (same as "@@ ")
// and any literal continuation marker such as "@@ ".
func PostProcess(sentence, bpeSymbol string) string {
	switch bpeSymbol {
	case "", "none":
		return sentence
	case "sentencepiece":
		return strings.TrimSpace(strings.ReplaceAll(strings.ReplaceAll(sentence, " ", ""), "▁", " "))
	case "subword_nmt":
		bpeSymbol = "@@ "
	}
	return strings.TrimRight(strings.ReplaceAll(sentence+" ", bpeSymbol, ""), " ")
}

// CheckCompatible returns an error wrapping ErrIncompatible if src and tgt don't share the
// pad, eos and unk ids.
func CheckCompatible(src, tgt *Dictionary) error {
	switch {
	case src.Pad() != tgt.Pad():
		return errors.Wrapf(ErrIncompatible, "pad: %d != %d", src.Pad(), tgt.Pad())
	case src.Eos() != tgt.Eos():
		return errors.Wrapf(ErrIncompatible, "eos: %d != %d", src.Eos(), tgt.Eos())
	case src.Unk() != tgt.Unk():
		return errors.Wrapf(ErrIncompatible, "unk: %d != %d", src.Unk(), tgt.Unk())
	}
	return nil
}
