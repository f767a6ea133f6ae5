// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package imagefeatures holds per-example image features for a dataset split.
//
// A split is described by two files:
//
//   - A feature matrix (a .npy file shaped [numPatches, dim]): row j is the feature vector of image patch j.
//   - An id mapping (a text file): line i lists the whitespace separated patch indices of example i.
//
// Load reads both and computes, for each example, the mean of the referenced patch vectors. The result
// is one fixed size vector per example, which the translation datasets attach to every source/target pair.
//
// A Store is explicitly owned: construct it with New, Load it for a split, pass it to the datasets that
// need it, and Load again (which first calls Release) when switching splits. All holders of the *Store
// see the replacement.
package imagefeatures

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/numpy"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"gonum.org/v1/gonum/floats"
	"k8s.io/klog/v2"
)

// CacheCapacity is the number of aggregated vectors kept in the per-store LRU cache.
const CacheCapacity = 8

var (
	// ErrEmptyPatchList is returned by Load when a line of the id mapping has no patch index.
	ErrEmptyPatchList = errors.New("example has no image patch index")

	// ErrPatchIndexOutOfRange is returned by Load when a patch index is not an integer in [0, numPatches).
	ErrPatchIndexOutOfRange = errors.New("image patch index out of range")

	// ErrIndexOutOfRange is returned when accessing an example outside [0, Len()).
	ErrIndexOutOfRange = errors.New("index out of range")
)

// Store of aggregated image features, one vector per example. It is safe for concurrent reads, and Load/Release
// exclude readers while they replace the contents.
type Store struct {
	mu sync.RWMutex

	// matrix is the raw feature matrix, converted to float32, shaped [numPatches, dim].
	matrix     []float32
	numPatches int
	dim        int

	// features holds the aggregated vectors, shaped [numExamples, dim].
	features    []float32
	patchCounts []int
	lines       []string

	generation  uuid.UUID
	fingerprint uint64

	cache   *ttlcache.Cache[int, []float32]
	metrics *storeMetrics
}

// Option configures a Store at construction.
type Option func(s *Store)

// New creates an empty Store. Use Load to populate it.
func New(options ...Option) *Store {
	s := &Store{
		cache: ttlcache.New[int, []float32](
			ttlcache.WithTTL[int, []float32](ttlcache.NoTTL),
			ttlcache.WithCapacity[int, []float32](CacheCapacity),
		),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Load replaces the contents of the store with the features from featureMatrixPath (a .npy file) and
// the id mapping in idMappingPath.
//
// Previous contents are released before the new matrix is read. If loading fails, the store is left empty.
func (s *Store) Load(featureMatrixPath, idMappingPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked()

	matrixTensor, err := numpy.FromNpyFile(featureMatrixPath)
	if err != nil {
		return errors.WithMessagef(err, "failed to load image feature matrix from %q", featureMatrixPath)
	}
	if matrixTensor.Rank() != 2 {
		return errors.Errorf("image feature matrix in %q must be shaped [numPatches, dim], got %s",
			featureMatrixPath, matrixTensor.Shape())
	}
	hasher := xxhash.New()
	matrix, err := toFloat32(matrixTensor, hasher)
	if err != nil {
		return errors.WithMessagef(err, "image feature matrix in %q", featureMatrixPath)
	}
	numPatches, dim := matrixTensor.Shape().Dimensions[0], matrixTensor.Shape().Dimensions[1]
	matrixTensor.FinalizeAll()

	f, err := os.Open(idMappingPath)
	if err != nil {
		return errors.Wrapf(err, "failed to open image id mapping %q", idMappingPath)
	}
	defer func() { _ = f.Close() }()

	var (
		features    []float32
		patchCounts []int
		lines       []string
	)
	sum := make([]float64, dim)
	row := make([]float64, dim)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		_, _ = hasher.WriteString(line)
		_, _ = hasher.WriteString("\n")
		fields := strings.Fields(line)
		if len(fields) == 0 {
			return errors.Wrapf(ErrEmptyPatchList, "%s:%d", idMappingPath, lineNum+1)
		}
		for ii := range sum {
			sum[ii] = 0
		}
		for _, field := range fields {
			patchIdx, err := strconv.Atoi(field)
			if err != nil || patchIdx < 0 || patchIdx >= numPatches {
				return errors.Wrapf(ErrPatchIndexOutOfRange, "%s:%d: index %q, feature matrix has %d rows",
					idMappingPath, lineNum+1, field, numPatches)
			}
			for ii, v := range matrix[patchIdx*dim : (patchIdx+1)*dim] {
				row[ii] = float64(v)
			}
			floats.Add(sum, row)
		}
		floats.Scale(1.0/float64(len(fields)), sum)
		for _, v := range sum {
			features = append(features, float32(v))
		}
		patchCounts = append(patchCounts, len(fields))
		lines = append(lines, line)
		lineNum++
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "failed to read image id mapping %q", idMappingPath)
	}

	s.matrix, s.numPatches, s.dim = matrix, numPatches, dim
	s.features, s.patchCounts, s.lines = features, patchCounts, lines
	s.fingerprint = hasher.Sum64()
	s.generation = uuid.New()
	s.metrics.loaded(len(lines))
	klog.V(1).Infof("image features: loaded %d examples from %q (%d patches of dim %d from %q), using %s",
		len(lines), idMappingPath, numPatches, dim, featureMatrixPath, humanize.Bytes(s.memoryLocked()))
	return nil
}

// LoadSingleVectors replaces the contents of the store with one precomputed vector per example:
// line i of keysPath holds a key, and the vector for example i is read from "<dir>/<key>.npy".
//
// Vectors must all have the same number of elements (leading axes of size 1 are squeezed).
// NumPatches will report the number of examples, since each vector stands for one patch.
func (s *Store) LoadSingleVectors(dir, keysPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked()

	f, err := os.Open(keysPath)
	if err != nil {
		return errors.Wrapf(err, "failed to open image keys file %q", keysPath)
	}
	defer func() { _ = f.Close() }()

	hasher := xxhash.New()
	var (
		features []float32
		lines    []string
	)
	dim := -1
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key := strings.TrimSpace(scanner.Text())
		if key == "" {
			return errors.Wrapf(ErrEmptyPatchList, "%s:%d", keysPath, len(lines)+1)
		}
		vecPath := filepath.Join(dir, key+".npy")
		t, err := numpy.FromNpyFile(vecPath)
		if err != nil {
			return errors.WithMessagef(err, "failed to load image vector for key %q", key)
		}
		vec, err := toFloat32(t, hasher)
		if err != nil {
			return errors.WithMessagef(err, "image vector in %q", vecPath)
		}
		t.FinalizeAll()
		if dim < 0 {
			dim = len(vec)
		} else if len(vec) != dim {
			return errors.Errorf("image vector in %q has %d elements, previous vectors had %d", vecPath, len(vec), dim)
		}
		_, _ = hasher.WriteString(key)
		features = append(features, vec...)
		lines = append(lines, key)
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "failed to read image keys file %q", keysPath)
	}
	if dim < 0 {
		dim = 0
	}

	s.matrix, s.numPatches, s.dim = features, len(lines), dim
	s.features, s.lines = features, lines
	s.patchCounts = make([]int, len(lines))
	for ii := range s.patchCounts {
		s.patchCounts[ii] = 1
	}
	s.fingerprint = hasher.Sum64()
	s.generation = uuid.New()
	s.metrics.loaded(len(lines))
	klog.V(1).Infof("image features: loaded %d single vectors of dim %d from %q, using %s",
		len(lines), dim, dir, humanize.Bytes(s.memoryLocked()))
	return nil
}

// Release drops all loaded data and clears the cache. The store can be loaded again afterward.
func (s *Store) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked()
}

func (s *Store) releaseLocked() {
	if s.features != nil {
		klog.V(2).Infof("image features: releasing %d examples (%s)", len(s.lines), humanize.Bytes(s.memoryLocked()))
	}
	s.matrix, s.features, s.patchCounts, s.lines = nil, nil, nil, nil
	s.numPatches, s.dim = 0, 0
	s.fingerprint = 0
	s.generation = uuid.Nil
	s.cache.DeleteAll()
	s.metrics.loaded(0)
}

// InvalidateCache clears the per-example LRU cache. Load and Release call it.
func (s *Store) InvalidateCache() {
	s.cache.DeleteAll()
}

// CacheLen returns the number of cached vectors, at most CacheCapacity.
func (s *Store) CacheLen() int {
	return s.cache.Len()
}

// Len returns the number of examples.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.lines)
}

// Dim returns the feature dimension, or 0 if nothing is loaded.
func (s *Store) Dim() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dim
}

// NumPatches returns the number of rows of the feature matrix.
func (s *Store) NumPatches() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.numPatches
}

// Generation identifies the current contents: it changes on every Load and is uuid.Nil when empty.
func (s *Store) Generation() uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// Fingerprint is a hash of the loaded matrix bytes and id mapping lines. Loading the same files yields
// the same fingerprint.
func (s *Store) Fingerprint() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fingerprint
}

// NumTokens is the length of example i in tokens: an aggregated vector always counts as one.
func (s *Store) NumTokens(i int) int { return 1 }

// Size is the same as NumTokens.
func (s *Store) Size(i int) int { return 1 }

// NumPatchesOf returns how many patch indices example i aggregates.
func (s *Store) NumPatchesOf(i int) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkIndexLocked(i); err != nil {
		return 0, err
	}
	return s.patchCounts[i], nil
}

func (s *Store) checkIndexLocked(i int) error {
	if i < 0 || i >= len(s.lines) {
		return errors.Wrapf(ErrIndexOutOfRange, "image feature index %d, store has %d examples", i, len(s.lines))
	}
	return nil
}

// Get returns the aggregated feature vector of example i.
//
// The returned slice is shared with the cache and must not be modified.
func (s *Store) Get(i int) ([]float32, error) {
	s.mu.RLock()
	if err := s.checkIndexLocked(i); err != nil {
		s.mu.RUnlock()
		return nil, err
	}
	if item := s.cache.Get(i); item != nil {
		s.mu.RUnlock()
		s.metrics.hit()
		return item.Value(), nil
	}
	vec := make([]float32, s.dim)
	copy(vec, s.features[i*s.dim:(i+1)*s.dim])
	s.cache.Set(i, vec, ttlcache.DefaultTTL)
	cached := s.cache.Len()
	s.mu.RUnlock()

	s.metrics.miss()
	klog.V(2).Infof("image features: cache miss for example %d (%d cached)", i, cached)
	return vec, nil
}

// GetOriginalText returns the id mapping line of example i, with surrounding spaces trimmed.
func (s *Store) GetOriginalText(i int) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkIndexLocked(i); err != nil {
		return "", err
	}
	return s.lines[i], nil
}

// Patch returns row j of the feature matrix. The returned slice must not be modified.
func (s *Store) Patch(j int) ([]float32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if j < 0 || j >= s.numPatches {
		return nil, errors.Wrapf(ErrPatchIndexOutOfRange, "patch %d, matrix has %d rows", j, s.numPatches)
	}
	return s.matrix[j*s.dim : (j+1)*s.dim], nil
}

// Tensor returns the aggregated features of the given examples as a float32 tensor shaped [len(indices), Dim()].
func (s *Store) Tensor(indices []int) (*tensors.Tensor, error) {
	dim := s.Dim()
	flat := make([]float32, 0, len(indices)*dim)
	for _, idx := range indices {
		vec, err := s.Get(idx)
		if err != nil {
			return nil, err
		}
		if len(vec) != dim {
			return nil, errors.Errorf("image feature %d has dim %d, expected %d: store reloaded concurrently?",
				idx, len(vec), dim)
		}
		flat = append(flat, vec...)
	}
	return tensors.FromFlatDataAndDimensions(flat, len(indices), dim), nil
}

// Memory returns the number of bytes held by the loaded arrays.
func (s *Store) Memory() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.memoryLocked()
}

func (s *Store) memoryLocked() uint64 {
	n := uint64(len(s.features)) * 4
	if len(s.matrix) > 0 && (len(s.features) == 0 || &s.matrix[0] != &s.features[0]) {
		n += uint64(len(s.matrix)) * 4
	}
	return n
}

// toFloat32 converts the flat contents of t to float32, writing the raw values to hasher.
func toFloat32(t *tensors.Tensor, hasher *xxhash.Digest) ([]float32, error) {
	dtype := t.DType()
	switch dtype {
	case dtypes.Float32, dtypes.Float64, dtypes.Float16:
	default:
		return nil, errors.Errorf("unsupported dtype %s, only float32, float64 and float16 are accepted", dtype)
	}
	out := make([]float32, t.Size())
	if len(out) == 0 {
		return out, nil
	}
	if err := t.ConstBytes(func(data []byte) { _, _ = hasher.Write(data) }); err != nil {
		return nil, errors.WithMessage(err, "failed to access tensor bytes")
	}
	err := t.ConstFlatData(func(flat any) {
		switch values := flat.(type) {
		case []float32:
			copy(out, values)
		case []float64:
			for ii, v := range values {
				out[ii] = float32(v)
			}
		case []float16.Float16:
			for ii, v := range values {
				out[ii] = v.Float32()
			}
		}
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to access tensor data")
	}
	return out, nil
}
