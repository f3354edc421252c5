// Package validator certifies fetched model artifacts before they reach a
// runtime. Every check is independent and optional; one pass accumulates
// all problems instead of failing on the first.
package validator

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jguan/ai-model-orchestrator/pkg/infra/logger"
	"github.com/jguan/ai-model-orchestrator/pkg/model"
)

// Validator runs artifact certification checks.
type Validator struct {
	log *slog.Logger
}

func New() *Validator {
	return &Validator{log: logger.Default().With("component", "validator")}
}

// Validate certifies the artifact at path for desc. path is either the
// model file itself or the directory holding the extracted layout. The
// returned result carries every error and warning found; metadata
// extraction never fails the pass.
func (v *Validator) Validate(ctx context.Context, desc *model.Descriptor, path string) model.ValidationResult {
	result := model.ValidationResult{Valid: true}

	st, err := os.Stat(path)
	if err != nil {
		result.AddError(string(model.ErrCodeInvalidFormat),
			fmt.Sprintf("artifact path %s is not readable: %v", path, err))
		return result
	}

	dir := path
	primary := path
	if st.IsDir() {
		primary = primaryFile(path, desc.Format)
		if primary == "" {
			result.AddError(string(model.ErrCodeInvalidFormat),
				fmt.Sprintf("no model file found under %s", path))
			return result
		}
	} else {
		dir = filepath.Dir(path)
	}

	if desc.Checksum != "" {
		v.checkChecksum(ctx, primary, desc.Checksum, &result)
	}
	if err := ctx.Err(); err != nil {
		return result
	}

	v.checkSignature(primary, desc.Format, &result)
	v.checkDependencies(dir, desc.Dependencies, &result)
	result.Metadata = v.extractMetadata(primary, dir, desc.Format, &result)

	v.log.Debug("validation pass complete",
		"model_id", desc.ID, "valid", result.Valid,
		"errors", len(result.Errors), "warnings", len(result.Warnings))
	return result
}

func (v *Validator) checkChecksum(ctx context.Context, path, declared string, result *model.ValidationResult) {
	file, err := os.Open(path)
	if err != nil {
		result.AddError(string(model.ErrCodeChecksumMismatch),
			fmt.Sprintf("cannot open %s for checksum: %v", path, err))
		return
	}
	defer file.Close()

	h := sha256.New()
	buf := make([]byte, 256*1024)
	for {
		if err := ctx.Err(); err != nil {
			return
		}
		n, rerr := file.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			result.AddError(string(model.ErrCodeChecksumMismatch),
				fmt.Sprintf("read %s for checksum: %v", path, rerr))
			return
		}
	}

	actual := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(actual, declared) {
		result.AddError(string(model.ErrCodeChecksumMismatch),
			fmt.Sprintf("checksum mismatch: declared %s, computed %s", declared, actual))
	}
}

// Format signatures checked against the file header.
var (
	ggufMagic = []byte("GGUF")
	zipMagic  = []byte("PK\x03\x04")
)

func (v *Validator) checkSignature(path string, format model.Format, result *model.ValidationResult) {
	header := make([]byte, 16)
	n, err := readHeader(path, header)
	if err != nil {
		result.AddError(string(model.ErrCodeInvalidFormat),
			fmt.Sprintf("cannot read header of %s: %v", path, err))
		return
	}
	header = header[:n]

	switch format {
	case model.FormatGGUF:
		if len(header) < 4 || string(header[:4]) != string(ggufMagic) {
			result.AddError(string(model.ErrCodeInvalidFormat),
				"declared format gguf but file lacks GGUF magic")
		}
	case model.FormatSafetensors:
		if !looksLikeSafetensors(header, fileSize(path)) {
			result.AddError(string(model.ErrCodeInvalidFormat),
				"declared format safetensors but header length prefix is implausible")
		}
	case model.FormatONNX:
		// Serialized ModelProto starts with the ir_version varint field
		// (tag 0x08).
		if len(header) < 1 || header[0] != 0x08 {
			result.AddError(string(model.ErrCodeInvalidFormat),
				"declared format onnx but file does not start with a ModelProto")
		}
	case model.FormatPyTorch:
		// Modern .pt checkpoints are zip containers.
		if len(header) >= 4 && string(header[:4]) != string(zipMagic) {
			result.AddWarning(string(model.ErrCodeInvalidFormat),
				"pytorch artifact is not a zip container, may be a legacy pickle")
		}
	default:
		// tensorrt engines and unknown formats carry no stable signature
	}
}

func (v *Validator) checkDependencies(dir string, deps []string, result *model.ValidationResult) {
	for _, dep := range deps {
		p := filepath.Join(dir, dep)
		if _, err := os.Stat(p); err != nil {
			result.AddError(string(model.ErrCodeMissingDependency),
				fmt.Sprintf("declared dependency %s not found under %s", dep, dir))
		}
	}
}

// extractMetadata pulls format-specific details; failures downgrade to
// warnings and the generic fallback always produces something.
func (v *Validator) extractMetadata(primary, dir string, format model.Format, result *model.ValidationResult) map[string]any {
	md := map[string]any{}

	switch format {
	case model.FormatGGUF:
		if gg, err := readGGUFHeader(primary); err == nil {
			md["gguf_version"] = gg.version
			md["tensor_count"] = gg.tensorCount
			md["kv_count"] = gg.kvCount
		} else {
			result.AddWarning(string(model.ErrCodeInvalidFormat),
				fmt.Sprintf("gguf metadata extraction failed: %v", err))
		}
	case model.FormatSafetensors:
		if count, err := safetensorsTensorCount(primary); err == nil {
			md["tensor_count"] = count
		} else {
			result.AddWarning(string(model.ErrCodeInvalidFormat),
				fmt.Sprintf("safetensors metadata extraction failed: %v", err))
		}
	}

	// Generic fallback fields apply to every format.
	md["primary_file"] = filepath.Base(primary)
	files, total := layoutStats(dir)
	md["file_count"] = files
	md["total_bytes"] = total
	return md
}

type ggufHeader struct {
	version     uint32
	tensorCount uint64
	kvCount     uint64
}

func readGGUFHeader(path string) (*ggufHeader, error) {
	buf := make([]byte, 24)
	n, err := readHeader(path, buf)
	if err != nil {
		return nil, err
	}
	if n < 24 || string(buf[:4]) != string(ggufMagic) {
		return nil, fmt.Errorf("truncated or non-gguf header")
	}
	return &ggufHeader{
		version:     binary.LittleEndian.Uint32(buf[4:8]),
		tensorCount: binary.LittleEndian.Uint64(buf[8:16]),
		kvCount:     binary.LittleEndian.Uint64(buf[16:24]),
	}, nil
}

func safetensorsTensorCount(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	var lenBuf [8]byte
	if _, err := io.ReadFull(file, lenBuf[:]); err != nil {
		return 0, err
	}
	headerLen := binary.LittleEndian.Uint64(lenBuf[:])
	if headerLen == 0 || headerLen > 100<<20 {
		return 0, fmt.Errorf("implausible header length %d", headerLen)
	}

	raw := make([]byte, headerLen)
	if _, err := io.ReadFull(file, raw); err != nil {
		return 0, err
	}
	var header map[string]json.RawMessage
	if err := json.Unmarshal(raw, &header); err != nil {
		return 0, fmt.Errorf("parse header json: %w", err)
	}
	delete(header, "__metadata__")
	return len(header), nil
}

func looksLikeSafetensors(header []byte, size int64) bool {
	if len(header) < 9 {
		return false
	}
	headerLen := binary.LittleEndian.Uint64(header[:8])
	if headerLen == 0 || (size > 0 && headerLen > uint64(size)) {
		return false
	}
	return header[8] == '{'
}

// primaryFile picks the model file inside an extracted layout: first match
// on the format's extension, otherwise the largest regular file.
func primaryFile(dir string, format model.Format) string {
	exts := formatExts(format)

	var largest string
	var largestSize int64
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		name := e.Name()
		ext := strings.ToLower(filepath.Ext(name))
		for _, want := range exts {
			if ext == want {
				return filepath.Join(dir, name)
			}
		}
		if info, err := e.Info(); err == nil && info.Size() > largestSize {
			largest = filepath.Join(dir, name)
			largestSize = info.Size()
		}
	}
	return largest
}

func formatExts(format model.Format) []string {
	switch format {
	case model.FormatGGUF:
		return []string{".gguf"}
	case model.FormatSafetensors:
		return []string{".safetensors"}
	case model.FormatONNX:
		return []string{".onnx"}
	case model.FormatTensorRT:
		return []string{".engine", ".plan"}
	case model.FormatPyTorch:
		return []string{".pt", ".pth", ".bin"}
	default:
		return nil
	}
}

func readHeader(path string, buf []byte) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()
	n, err := io.ReadFull(file, buf)
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		return n, nil
	}
	return n, err
}

func fileSize(path string) int64 {
	st, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return st.Size()
}

func layoutStats(dir string) (int, int64) {
	var files int
	var total int64
	filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil || !d.Type().IsRegular() {
			return nil
		}
		files++
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return files, total
}
