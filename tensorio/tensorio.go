// Package tensorio - Reading and writing loss inputs as .npy tensors.
package tensorio

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

const (
	// GroundTruthFile holds the [B, P, 6] encoded targets of a batch directory.
	GroundTruthFile = "gt.npy"
	// LocFile holds the [B, P, 4] box regression.
	LocFile = "loc.npy"
	// AttrFile holds the [B, P, C] attribute head.
	AttrFile = "attr.npy"
	// ClassFile holds the [B, P, C] object head.
	ClassFile = "class.npy"

	// BatchDirPrefix prefixes numbered batch directories, e.g. batch-0007.
	BatchDirPrefix = "batch-"
)

// Batch is one training step worth of loss inputs.
type Batch struct {
	// Dir is the directory the batch was read from.
	Dir         string
	Index       int
	GroundTruth *tensor.Dense
	Loc         *tensor.Dense
	Attr        *tensor.Dense
	Class       *tensor.Dense
}

// ReadNpy reads a tensor from a .npy file. float64 files are converted to float32.
//
// Arguments:
//   - path: the file to read.
//
// Returns:
//   - *tensor.Dense: the tensor.
//   - error: if the file cannot be opened or decoded.
func ReadNpy(path string) (*tensor.Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	t := new(tensor.Dense)
	if err := t.ReadNpy(f); err != nil {
		return nil, errors.Wrapf(err, "decoding %s", path)
	}
	return toFloat32(t)
}

// WriteNpy writes a tensor to a .npy file, replacing it if it exists.
func WriteNpy(path string, t *tensor.Dense) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := t.WriteNpy(f); err != nil {
		f.Close()
		return errors.Wrapf(err, "encoding %s", path)
	}
	return f.Close()
}

func toFloat32(t *tensor.Dense) (*tensor.Dense, error) {
	switch t.Dtype() {
	case tensor.Float32:
		return t, nil
	case tensor.Float64:
		src := t.Data().([]float64)
		dst := make([]float32, len(src))
		for i, v := range src {
			dst[i] = float32(v)
		}
		return tensor.New(tensor.WithShape(t.Shape().Clone()...), tensor.WithBacking(dst)), nil
	}
	return nil, errors.Errorf("unsupported dtype %v", t.Dtype())
}

// LoadBatch reads the four tensors of a batch directory.
//
// Arguments:
//   - dir: a directory holding gt.npy, loc.npy, attr.npy and class.npy.
//
// Returns:
//   - *Batch: the tensors. Shapes are not checked here.
//   - error: naming the first file that could not be read.
func LoadBatch(dir string) (*Batch, error) {
	b := &Batch{Dir: dir, Index: batchIndex(filepath.Base(dir))}
	for _, f := range []struct {
		name string
		dst  **tensor.Dense
	}{
		{GroundTruthFile, &b.GroundTruth},
		{LocFile, &b.Loc},
		{AttrFile, &b.Attr},
		{ClassFile, &b.Class},
	} {
		t, err := ReadNpy(filepath.Join(dir, f.name))
		if err != nil {
			return nil, errors.Wrapf(err, "loading batch %s", dir)
		}
		*f.dst = t
	}
	return b, nil
}

// SaveBatch writes the four tensors of b into dir, creating it if needed.
func SaveBatch(dir string, b *Batch) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for name, t := range map[string]*tensor.Dense{
		GroundTruthFile: b.GroundTruth,
		LocFile:         b.Loc,
		AttrFile:        b.Attr,
		ClassFile:       b.Class,
	} {
		if err := WriteNpy(filepath.Join(dir, name), t); err != nil {
			return err
		}
	}
	return nil
}

// ListBatchDirectories returns the numbered batch directories under root, in index order.
//
// Arguments:
//   - root: directory containing batch-NNNN subdirectories.
//
// Returns:
//   - []string: paths of the batch directories.
//   - error: if root cannot be read or a batch directory is misnamed.
func ListBatchDirectories(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	type numbered struct {
		path  string
		index int
	}
	var dirs []numbered
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), BatchDirPrefix) {
			continue
		}
		index := batchIndex(entry.Name())
		if index < 0 {
			return nil, errors.Errorf("batch directory %q is not numbered", entry.Name())
		}
		dirs = append(dirs, numbered{path: filepath.Join(root, entry.Name()), index: index})
	}

	sort.Slice(dirs, func(i, j int) bool {
		return dirs[i].index < dirs[j].index
	})

	paths := make([]string, len(dirs))
	for i, d := range dirs {
		paths[i] = d.path
	}
	return paths, nil
}

// BatchDirName returns the directory name of batch index.
func BatchDirName(index int) string {
	return fmt.Sprintf("%s%04d", BatchDirPrefix, index)
}

func batchIndex(name string) int {
	n, err := strconv.Atoi(strings.TrimPrefix(name, BatchDirPrefix))
	if err != nil || !strings.HasPrefix(name, BatchDirPrefix) {
		return -1
	}
	return n
}
