package validator

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/jguan/ai-model-orchestrator/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeGGUF(t *testing.T, path string, version uint32, tensors, kvs uint64) []byte {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteString("GGUF")
	binary.Write(&buf, binary.LittleEndian, version)
	binary.Write(&buf, binary.LittleEndian, tensors)
	binary.Write(&buf, binary.LittleEndian, kvs)
	buf.WriteString("padding-to-make-it-nonempty")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
	return buf.Bytes()
}

func writeSafetensors(t *testing.T, path string, tensorNames []string) {
	t.Helper()
	header := map[string]any{"__metadata__": map[string]string{"format": "pt"}}
	for _, n := range tensorNames {
		header[n] = map[string]any{"dtype": "F32", "shape": []int{1}, "data_offsets": []int{0, 4}}
	}
	raw, err := json.Marshal(header)
	require.NoError(t, err)

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint64(len(raw)))
	buf.Write(raw)
	buf.Write(make([]byte, 4*len(tensorNames)))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestValidateGGUFHappyPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.gguf")
	data := writeGGUF(t, path, 3, 291, 24)

	desc := &model.Descriptor{
		ID:       "m1",
		Format:   model.FormatGGUF,
		Checksum: sha256Hex(data),
	}
	result := New().Validate(context.Background(), desc, path)

	assert.True(t, result.Valid)
	assert.Empty(t, result.Errors)
	assert.Equal(t, uint32(3), result.Metadata["gguf_version"])
	assert.Equal(t, uint64(291), result.Metadata["tensor_count"])
	assert.Equal(t, uint64(24), result.Metadata["kv_count"])
}

func TestValidateAccumulatesAllErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.gguf")
	require.NoError(t, os.WriteFile(path, []byte("definitely not gguf bytes"), 0644))

	desc := &model.Descriptor{
		ID:           "m1",
		Format:       model.FormatGGUF,
		Checksum:     sha256Hex([]byte("something else")),
		Dependencies: []string{"tokenizer.json", "config.json"},
	}
	result := New().Validate(context.Background(), desc, path)

	// Checksum mismatch, bad signature, two missing dependencies: all four
	// reported in one pass.
	require.False(t, result.Valid)
	assert.Len(t, result.Errors, 4)

	codes := map[string]int{}
	for _, issue := range result.Errors {
		codes[issue.Code]++
	}
	assert.Equal(t, 1, codes[string(model.ErrCodeChecksumMismatch)])
	assert.Equal(t, 1, codes[string(model.ErrCodeInvalidFormat)])
	assert.Equal(t, 2, codes[string(model.ErrCodeMissingDependency)])
}

func TestValidateSafetensors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.safetensors")
	writeSafetensors(t, path, []string{"w1", "w2", "w3"})

	desc := &model.Descriptor{ID: "m1", Format: model.FormatSafetensors}
	result := New().Validate(context.Background(), desc, path)

	assert.True(t, result.Valid)
	assert.Equal(t, 3, result.Metadata["tensor_count"])
}

func TestValidateDirectoryLayout(t *testing.T) {
	dir := t.TempDir()
	writeGGUF(t, filepath.Join(dir, "model.gguf"), 3, 1, 1)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tokenizer.json"), []byte("{}"), 0644))

	desc := &model.Descriptor{
		ID:           "m1",
		Format:       model.FormatGGUF,
		Dependencies: []string{"tokenizer.json"},
	}
	result := New().Validate(context.Background(), desc, dir)

	assert.True(t, result.Valid)
	assert.Equal(t, "model.gguf", result.Metadata["primary_file"])
	assert.Equal(t, 2, result.Metadata["file_count"])
}

func TestValidateUnknownFormatGenericFallback(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.plan")
	require.NoError(t, os.WriteFile(path, []byte("opaque engine bytes"), 0644))

	desc := &model.Descriptor{ID: "m1", Format: model.FormatTensorRT}
	result := New().Validate(context.Background(), desc, path)

	assert.True(t, result.Valid)
	assert.Equal(t, "engine.plan", result.Metadata["primary_file"])
	assert.EqualValues(t, 19, result.Metadata["total_bytes"])
}

func TestValidateNoChecksumSkipsCheck(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.gguf")
	writeGGUF(t, path, 3, 1, 1)

	desc := &model.Descriptor{ID: "m1", Format: model.FormatGGUF}
	result := New().Validate(context.Background(), desc, path)
	assert.True(t, result.Valid)
}

func TestValidateWarningsDoNotAffectValidity(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.bin")
	// Legacy pickle checkpoint, not a zip container.
	require.NoError(t, os.WriteFile(path, []byte("\x80\x02pickle"), 0644))

	desc := &model.Descriptor{ID: "m1", Format: model.FormatPyTorch}
	result := New().Validate(context.Background(), desc, path)

	assert.True(t, result.Valid)
	assert.NotEmpty(t, result.Warnings)
}

func TestValidateMissingPath(t *testing.T) {
	desc := &model.Descriptor{ID: "m1", Format: model.FormatGGUF}
	result := New().Validate(context.Background(), desc, filepath.Join(t.TempDir(), "absent"))
	assert.False(t, result.Valid)
	require.Len(t, result.Errors, 1)
}
