package fetcher

import (
	"archive/tar"
	"archive/zip"
	"compress/bzip2"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/jguan/ai-model-orchestrator/pkg/model"
	"github.com/ulikunitz/xz"
)

const contentsDirName = "contents"

// archiveKind identifies how to unpack an artifact based on its name.
type archiveKind int

const (
	kindNone archiveKind = iota
	kindZip
	kindTar
	kindTarGz
	kindTarBz2
	kindTarXz
)

func detectArchive(name string) archiveKind {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return kindZip
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return kindTarGz
	case strings.HasSuffix(lower, ".tar.bz2"), strings.HasSuffix(lower, ".tbz2"):
		return kindTarBz2
	case strings.HasSuffix(lower, ".tar.xz"), strings.HasSuffix(lower, ".txz"):
		return kindTarXz
	case strings.HasSuffix(lower, ".tar"):
		return kindTar
	default:
		return kindNone
	}
}

// modelFileExts are extensions of raw model artifacts that need no
// extraction step.
var modelFileExts = map[string]bool{
	"":             true,
	".gguf":        true,
	".safetensors": true,
	".onnx":        true,
	".engine":      true,
	".plan":        true,
	".pt":          true,
	".pth":         true,
	".bin":         true,
	".json":        true,
	".txt":         true,
	".model":       true,
}

// ShouldExtract reports whether the artifact needs an extraction stage.
// Raw model files are used in place; everything else goes through Extract,
// which rejects extensions it cannot unpack.
func ShouldExtract(name string) bool {
	if detectArchive(name) != kindNone {
		return true
	}
	return !modelFileExts[strings.ToLower(filepath.Ext(name))]
}

// Extract unpacks archivePath into a contents directory beside it and
// returns that directory. The archive format is chosen by extension;
// unrecognized extensions fail with an unsupported-archive error.
func (f *Fetcher) Extract(ctx context.Context, archivePath string) (string, error) {
	kind := detectArchive(archivePath)
	if kind == kindNone {
		return "", &model.UnsupportedArchiveError{Ext: filepath.Ext(archivePath)}
	}

	destDir := filepath.Join(filepath.Dir(archivePath), contentsDirName)
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", fmt.Errorf("create contents dir: %w", err)
	}

	var err error
	switch kind {
	case kindZip:
		err = extractZip(ctx, archivePath, destDir)
	default:
		err = extractTar(ctx, archivePath, destDir, kind)
	}
	if err != nil {
		return "", err
	}

	f.log.Info("archive extracted", "archive", archivePath, "dest", destDir)
	return destDir, nil
}

func extractZip(ctx context.Context, archivePath, destDir string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return model.ErrInvalidFormat.WithCause(fmt.Errorf("open zip: %w", err))
	}
	defer zr.Close()

	for _, entry := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}

		target, err := safeJoin(destDir, entry.Name)
		if err != nil {
			return err
		}
		if entry.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return fmt.Errorf("create dir %s: %w", entry.Name, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return fmt.Errorf("create dir for %s: %w", entry.Name, err)
		}

		src, err := entry.Open()
		if err != nil {
			return fmt.Errorf("open zip entry %s: %w", entry.Name, err)
		}
		err = writeFileFrom(target, src, entry.Mode())
		src.Close()
		if err != nil {
			return fmt.Errorf("extract %s: %w", entry.Name, err)
		}
	}
	return nil
}

func extractTar(ctx context.Context, archivePath, destDir string, kind archiveKind) error {
	file, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer file.Close()

	var reader io.Reader = file
	switch kind {
	case kindTarGz:
		gz, err := gzip.NewReader(file)
		if err != nil {
			return model.ErrInvalidFormat.WithCause(fmt.Errorf("open gzip stream: %w", err))
		}
		defer gz.Close()
		reader = gz
	case kindTarBz2:
		reader = bzip2.NewReader(file)
	case kindTarXz:
		xr, err := xz.NewReader(file)
		if err != nil {
			return model.ErrInvalidFormat.WithCause(fmt.Errorf("open xz stream: %w", err))
		}
		reader = xr
	}

	tr := tar.NewReader(reader)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return model.ErrInvalidFormat.WithCause(fmt.Errorf("read tar: %w", err))
		}

		target, err := safeJoin(destDir, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return fmt.Errorf("create dir %s: %w", hdr.Name, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return fmt.Errorf("create dir for %s: %w", hdr.Name, err)
			}
			if err := writeFileFrom(target, tr, hdr.FileInfo().Mode()); err != nil {
				return fmt.Errorf("extract %s: %w", hdr.Name, err)
			}
		default:
			// symlinks and specials are not part of model layouts
		}
	}
}

// safeJoin rejects entries that would escape the destination directory.
func safeJoin(destDir, name string) (string, error) {
	target := filepath.Join(destDir, filepath.FromSlash(name))
	if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
		return "", model.ErrInvalidFormat.
			WithDetails("entry", name).
			WithCause(fmt.Errorf("archive entry escapes destination"))
	}
	return target, nil
}

func writeFileFrom(target string, src io.Reader, mode os.FileMode) error {
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm()|0200)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
