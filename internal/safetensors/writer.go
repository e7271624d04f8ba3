package safetensors

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/goccy/go-json"
)

// Tensor is one named payload handed to Write.
type Tensor struct {
	Name  string
	DType string
	Shape []int
	Data  []byte
}

// Write serialises tensors sorted by name. The header is space-padded to
// an 8-byte boundary so the data section stays aligned.
func Write(w io.Writer, tensors []Tensor, metadata map[string]string) error {
	sorted := slices.Clone(tensors)
	slices.SortFunc(sorted, func(a, b Tensor) int { return strings.Compare(a.Name, b.Name) })

	header := make(map[string]any, len(sorted)+1)
	if len(metadata) > 0 {
		header["__metadata__"] = metadata
	}
	var off int64
	for i, t := range sorted {
		if i > 0 && sorted[i-1].Name == t.Name {
			return fmt.Errorf("duplicate tensor %s", t.Name)
		}
		info := TensorInfo{DType: t.DType, Shape: t.Shape}
		if want, ok := byteSize(info); ok && want != int64(len(t.Data)) {
			return fmt.Errorf("tensor %s: %s%v needs %d bytes, got %d", t.Name, t.DType, t.Shape, want, len(t.Data))
		}
		end := off + int64(len(t.Data))
		header[t.Name] = tensorHeader{DType: t.DType, Shape: t.Shape, DataOffsets: []int64{off, end}}
		off = end
	}

	hb, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshal header: %w", err)
	}
	if pad := len(hb) % 8; pad != 0 {
		hb = append(hb, strings.Repeat(" ", 8-pad)...)
	}

	bw := bufio.NewWriter(w)
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(hb)))
	if _, err := bw.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	for _, t := range sorted {
		if _, err := bw.Write(t.Data); err != nil {
			return fmt.Errorf("write tensor %s: %w", t.Name, err)
		}
	}
	return bw.Flush()
}

// WriteFile writes tensors to path, replacing any existing file.
func WriteFile(path string, tensors []Tensor, metadata map[string]string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return Write(f, tensors, metadata)
}
