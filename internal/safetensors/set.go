package safetensors

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/goccy/go-json"
)

const (
	singleFileName = "model.safetensors"
	indexFileName  = "model.safetensors.index.json"
)

// Set is a model's tensors spread over one or more shard files.
type Set struct {
	files  []*File
	byName map[string]*File
}

type shardIndex struct {
	WeightMap map[string]string `json:"weight_map"`
}

// OpenDir opens the weights in dir. It prefers model.safetensors, then
// the shard index, then every *.safetensors file in the directory.
func OpenDir(dir string) (*Set, error) {
	single := filepath.Join(dir, singleFileName)
	if _, err := os.Stat(single); err == nil {
		return OpenFiles(single)
	}

	idxPath := filepath.Join(dir, indexFileName)
	if raw, err := os.ReadFile(idxPath); err == nil {
		var idx shardIndex
		if err := json.Unmarshal(raw, &idx); err != nil {
			return nil, fmt.Errorf("parse %s: %w", idxPath, err)
		}
		var shards []string
		for _, shard := range idx.WeightMap {
			p := filepath.Join(dir, shard)
			if !slices.Contains(shards, p) {
				shards = append(shards, p)
			}
		}
		if len(shards) == 0 {
			return nil, fmt.Errorf("%s: empty weight_map", idxPath)
		}
		slices.Sort(shards)
		return OpenFiles(shards...)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "*.safetensors"))
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no safetensors weights in %s", dir)
	}
	slices.Sort(matches)
	return OpenFiles(matches...)
}

// OpenFiles opens every path as one set. A tensor name may appear in only
// one shard.
func OpenFiles(paths ...string) (*Set, error) {
	s := &Set{byName: make(map[string]*File)}
	for _, p := range paths {
		f, err := Open(p)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.files = append(s.files, f)
		for name := range f.Tensors {
			if prev, dup := s.byName[name]; dup {
				_ = s.Close()
				return nil, fmt.Errorf("tensor %s present in %s and %s", name, prev.Path, p)
			}
			s.byName[name] = f
		}
	}
	return s, nil
}

// NewSet wraps already opened files, for example from OpenBytes.
func NewSet(files ...*File) (*Set, error) {
	s := &Set{byName: make(map[string]*File)}
	for _, f := range files {
		s.files = append(s.files, f)
		for name := range f.Tensors {
			if _, dup := s.byName[name]; dup {
				return nil, fmt.Errorf("duplicate tensor %s", name)
			}
			s.byName[name] = f
		}
	}
	return s, nil
}

func (s *Set) Tensor(name string) (TensorInfo, bool) {
	f, ok := s.byName[name]
	if !ok {
		return TensorInfo{}, false
	}
	return f.Tensor(name)
}

func (s *Set) ReadTensor(name string) ([]byte, TensorInfo, error) {
	f, ok := s.byName[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("tensor not found: %s", name)
	}
	return f.ReadTensor(name)
}

func (s *Set) ReadTensorF32(name string) ([]float32, TensorInfo, error) {
	f, ok := s.byName[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("tensor not found: %s", name)
	}
	return f.ReadTensorF32(name)
}

// Names returns every tensor name in sorted order.
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.byName))
	for name := range s.byName {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Files returns the shard paths.
func (s *Set) Files() []string {
	out := make([]string, len(s.files))
	for i, f := range s.files {
		out[i] = f.Path
	}
	return out
}

func (s *Set) Close() error {
	var errs []error
	for _, f := range s.files {
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.files = nil
	return errors.Join(errs...)
}
