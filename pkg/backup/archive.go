package backup

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
)

// skippedExtensions are transient file types excluded from archives.
var skippedExtensions = map[string]struct{}{
	".tmp": {}, ".log": {}, ".cache": {},
}

// createArchive writes a gzip-compressed tar of the source paths to dst.
// Hidden directories, __pycache__, and transient file types are skipped.
func createArchive(dst string, sourcePaths []string, compressionLevel int, logger zerolog.Logger) error {
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	defer out.Close()

	gz, err := gzip.NewWriterLevel(out, compressionLevel)
	if err != nil {
		return fmt.Errorf("invalid compression level: %w", err)
	}
	defer gz.Close()

	tw := tar.NewWriter(gz)
	defer tw.Close()

	for _, src := range sourcePaths {
		if err := addToArchive(tw, src, logger); err != nil {
			return err
		}
	}
	return nil
}

func addToArchive(tw *tar.Writer, src string, logger zerolog.Logger) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", src, err)
	}

	if !info.IsDir() {
		return addFile(tw, src, filepath.Base(src), info, logger)
	}

	// Directory entries are archived relative to the directory's parent so
	// restores reproduce the original layout.
	parent := filepath.Dir(src)
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		name := d.Name()
		if d.IsDir() {
			if path != src && (strings.HasPrefix(name, ".") || name == "__pycache__") {
				return filepath.SkipDir
			}
			return nil
		}
		if _, skip := skippedExtensions[strings.ToLower(filepath.Ext(name))]; skip {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(parent, path)
		if err != nil {
			return nil
		}
		return addFile(tw, path, filepath.ToSlash(rel), info, logger)
	})
}

func addFile(tw *tar.Writer, path, arcname string, info os.FileInfo, logger zerolog.Logger) error {
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = arcname

	f, err := os.Open(path)
	if err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("could not add file to archive")
		return nil
	}
	defer f.Close()

	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("failed to archive %s: %w", path, err)
	}
	return nil
}

// extractArchive unpacks a gzip-compressed tar into destDir, refusing
// entries that would escape it.
func extractArchive(src, destDir string) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("failed to read archive: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read archive entry: %w", err)
		}

		target := filepath.Join(destDir, filepath.FromSlash(hdr.Name))
		if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry escapes restore directory: %s", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return fmt.Errorf("failed to extract %s: %w", hdr.Name, err)
			}
			out.Close()
		}
	}
}
