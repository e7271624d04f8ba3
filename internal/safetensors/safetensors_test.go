package safetensors

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
)

// writeRawHeader writes a file with the given header object followed by
// dataLen zero bytes.
func writeRawHeader(t *testing.T, path string, header map[string]any, dataLen int) {
	t.Helper()
	headerBytes, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	var buf bytes.Buffer
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	buf.Write(lenBuf[:])
	buf.Write(headerBytes)
	buf.Write(make([]byte, dataLen))
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
}

func f32Bytes(vals ...float32) []byte {
	out := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

func TestWriteThenOpen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "model.safetensors")

	err := WriteFile(path, []Tensor{
		{Name: "b", DType: "F32", Shape: []int{2}, Data: f32Bytes(3, 4)},
		{Name: "a", DType: "F32", Shape: []int{1, 3}, Data: f32Bytes(1, 2, 5)},
		{Name: "q", DType: "Q4", Shape: []int{1, 4}, Data: []byte{0x12, 0x34}},
	}, map[string]string{"format": "pt"})
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = f.Close() }()

	if f.DataStart%8 != 0 {
		t.Fatalf("data section not 8-byte aligned: %d", f.DataStart)
	}
	if f.Metadata["format"] != "pt" {
		t.Fatalf("metadata lost: %v", f.Metadata)
	}
	if got := f.Names(); len(got) != 3 || got[0] != "a" || got[2] != "q" {
		t.Fatalf("names: %v", got)
	}
	vals, info, err := f.ReadTensorF32("a")
	if err != nil {
		t.Fatalf("ReadTensorF32: %v", err)
	}
	if info.Elements() != 3 || vals[2] != 5 {
		t.Fatalf("unexpected tensor a: %v %v", info, vals)
	}
	raw, _, err := f.ReadTensor("q")
	if err != nil {
		t.Fatalf("ReadTensor: %v", err)
	}
	if !bytes.Equal(raw, []byte{0x12, 0x34}) {
		t.Fatalf("q payload: %x", raw)
	}
}

func TestWriteRejectsSizeMismatch(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	err := Write(&buf, []Tensor{{Name: "x", DType: "F32", Shape: []int{3}, Data: f32Bytes(1, 2)}}, nil)
	if err == nil {
		t.Fatal("expected size mismatch error")
	}
}

func TestOpenNonexistentFile(t *testing.T) {
	t.Parallel()
	if _, err := Open("/nonexistent/file.safetensors"); err == nil {
		t.Fatal("expected error for nonexistent file")
	}
}

func TestOpenTruncatedHeader(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "truncated.safetensors")
	if err := os.WriteFile(path, []byte{0, 0, 0, 0}, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := Open(path); err == nil {
		t.Fatal("expected error for truncated file")
	}
}

func TestOpenTruncatedData(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "short.safetensors")
	writeRawHeader(t, path, map[string]any{
		"w": map[string]any{"dtype": "F32", "shape": []int{4}, "data_offsets": []int64{0, 16}},
	}, 8)
	if _, err := Open(path); err == nil {
		t.Fatal("expected error for data past end of file")
	}
}

func TestOpenDeclaredSizeMismatch(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "mismatch.safetensors")
	writeRawHeader(t, path, map[string]any{
		"w": map[string]any{"dtype": "BF16", "shape": []int{4}, "data_offsets": []int64{0, 16}},
	}, 16)
	if _, err := Open(path); err == nil {
		t.Fatal("expected error for dtype/shape size mismatch")
	}
}

func TestOpenInvalidJSON(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "invalid.safetensors")
	var buf bytes.Buffer
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], 12)
	buf.Write(lenBuf[:])
	buf.WriteString("not valid js")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Open(path); err == nil {
		t.Fatal("expected error for invalid JSON header")
	}
}

func TestInvalidDataOffsets(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "bad_offsets.safetensors")
	writeRawHeader(t, path, map[string]any{
		"bad": map[string]any{"dtype": "F32", "shape": []int{1}, "data_offsets": []int64{0}},
	}, 4)
	if _, err := Open(path); err == nil {
		t.Fatal("expected error for invalid data_offsets")
	}

	inverted := filepath.Join(t.TempDir(), "inverted.safetensors")
	writeRawHeader(t, inverted, map[string]any{
		"bad": map[string]any{"dtype": "F32", "shape": []int{1}, "data_offsets": []int64{8, 4}},
	}, 8)
	if _, err := Open(inverted); err == nil {
		t.Fatal("expected error for inverted offsets")
	}
}

func TestReadTensorHalfFormats(t *testing.T) {
	t.Parallel()

	data := make([]byte, 8)
	binary.LittleEndian.PutUint16(data[0:], 0x3F80) // bf16 1.0
	binary.LittleEndian.PutUint16(data[2:], 0xC000) // bf16 -2.0
	binary.LittleEndian.PutUint16(data[4:], 0x3C00) // f16 1.0
	binary.LittleEndian.PutUint16(data[6:], 0x3800) // f16 0.5

	var buf bytes.Buffer
	err := Write(&buf, []Tensor{
		{Name: "bf", DType: "BF16", Shape: []int{2}, Data: data[:4]},
		{Name: "h", DType: "F16", Shape: []int{2}, Data: data[4:]},
	}, nil)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	f, err := OpenBytes("mem", buf.Bytes())
	if err != nil {
		t.Fatalf("OpenBytes: %v", err)
	}
	bf, _, err := f.ReadTensorF32("bf")
	if err != nil || bf[0] != 1 || bf[1] != -2 {
		t.Fatalf("bf16: %v %v", bf, err)
	}
	h, _, err := f.ReadTensorF32("h")
	if err != nil || h[0] != 1 || h[1] != 0.5 {
		t.Fatalf("f16: %v %v", h, err)
	}
}

func TestReadTensorUnsupportedDType(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if err := Write(&buf, []Tensor{{Name: "i", DType: "I8", Shape: []int{2}, Data: []byte{1, 2}}}, nil); err != nil {
		t.Fatalf("Write: %v", err)
	}
	f, err := OpenBytes("mem", buf.Bytes())
	if err != nil {
		t.Fatalf("OpenBytes: %v", err)
	}
	if _, _, err := f.ReadTensorF32("i"); err == nil {
		t.Fatal("expected error decoding I8 as f32")
	}
	if _, _, err := f.ReadTensor("missing"); err == nil {
		t.Fatal("expected not found error")
	}
}

func TestOpenDirShardIndex(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	if err := WriteFile(filepath.Join(dir, "model-00001-of-00002.safetensors"),
		[]Tensor{{Name: "a", DType: "F32", Shape: []int{1}, Data: f32Bytes(1)}}, nil); err != nil {
		t.Fatalf("write shard 1: %v", err)
	}
	if err := WriteFile(filepath.Join(dir, "model-00002-of-00002.safetensors"),
		[]Tensor{{Name: "b", DType: "F32", Shape: []int{1}, Data: f32Bytes(2)}}, nil); err != nil {
		t.Fatalf("write shard 2: %v", err)
	}
	idx := `{"metadata":{},"weight_map":{"a":"model-00001-of-00002.safetensors","b":"model-00002-of-00002.safetensors"}}`
	if err := os.WriteFile(filepath.Join(dir, indexFileName), []byte(idx), 0o644); err != nil {
		t.Fatalf("write index: %v", err)
	}

	s, err := OpenDir(dir)
	if err != nil {
		t.Fatalf("OpenDir: %v", err)
	}
	defer func() { _ = s.Close() }()

	if len(s.Files()) != 2 {
		t.Fatalf("expected 2 shards, got %v", s.Files())
	}
	b, _, err := s.ReadTensorF32("b")
	if err != nil || b[0] != 2 {
		t.Fatalf("read b: %v %v", b, err)
	}
}

func TestOpenFilesDuplicateTensor(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p1 := filepath.Join(dir, "one.safetensors")
	p2 := filepath.Join(dir, "two.safetensors")
	for _, p := range []string{p1, p2} {
		if err := WriteFile(p, []Tensor{{Name: "dup", DType: "F32", Shape: []int{1}, Data: f32Bytes(1)}}, nil); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if _, err := OpenFiles(p1, p2); err == nil {
		t.Fatal("expected duplicate tensor error")
	}
}

func TestFp16ToFloat32(t *testing.T) {
	t.Parallel()
	cases := map[uint16]float32{
		0x0000: 0,
		0x3C00: 1,
		0xC000: -2,
		0x7BFF: 65504,
		0x0001: float32(math.Ldexp(1, -24)),
	}
	for in, want := range cases {
		if got := fp16ToFloat32(in); got != want {
			t.Fatalf("fp16ToFloat32(%#x)=%g want %g", in, got, want)
		}
	}
	if !math.IsInf(float64(fp16ToFloat32(0x7C00)), 1) {
		t.Fatal("expected +Inf")
	}
}
