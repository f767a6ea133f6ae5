// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package langpair

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Alignments holds word alignments between source and target positions, one set per example.
type Alignments struct {
	pairs [][][2]int32
}

// LoadAlignments reads a "Pharaoh" formatted alignment file: one line per example with
// whitespace separated "srcPos-tgtPos" pairs. Empty lines are examples without alignment.
func LoadAlignments(filePath string) (*Alignments, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open alignments %q", filePath)
	}
	defer func() { _ = f.Close() }()
	a := &Alignments{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		pairs := make([][2]int32, 0, len(fields))
		for _, field := range fields {
			srcStr, tgtStr, found := strings.Cut(field, "-")
			if !found {
				return nil, errors.Errorf("%s:%d: invalid alignment %q, expected \"srcPos-tgtPos\"",
					filePath, len(a.pairs)+1, field)
			}
			srcPos, err1 := strconv.ParseInt(srcStr, 10, 32)
			tgtPos, err2 := strconv.ParseInt(tgtStr, 10, 32)
			if err1 != nil || err2 != nil || srcPos < 0 || tgtPos < 0 {
				return nil, errors.Errorf("%s:%d: invalid alignment %q", filePath, len(a.pairs)+1, field)
			}
			pairs = append(pairs, [2]int32{int32(srcPos), int32(tgtPos)})
		}
		a.pairs = append(a.pairs, pairs)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read alignments %q", filePath)
	}
	return a, nil
}

// Len returns the number of examples.
func (a *Alignments) Len() int { return len(a.pairs) }

// Get returns the (srcPos, tgtPos) pairs of example i.
func (a *Alignments) Get(i int) [][2]int32 { return a.pairs[i] }

// validAlignment reports whether all pairs fall strictly before the last position of the source and target,
// which hold eos.
func validAlignment(pairs [][2]int32, srcLen, tgtLen int) bool {
	for _, p := range pairs {
		if int(p[0]) >= srcLen-1 || int(p[1]) >= tgtLen-1 {
			return false
		}
	}
	return true
}
