package dataset

import (
	"archive/zip"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/flate"

	"github.com/fibersqs/telesim/internal/scenario"
)

// ArchiveName is the distribution archive file name.
const ArchiveName = scenario.DatasetName + ".zip"

// Archive zips every artifact in dir into the dataset archive next to
// them, excluding the archive itself. Run separately from Writer.Run when
// a validation summary should land inside.
func Archive(log *slog.Logger, dir string) (string, error) {
	path := filepath.Join(dir, ArchiveName)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create archive: %w", err)
	}
	zw := zip.NewWriter(f)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestSpeed)
	})

	entries, err := os.ReadDir(dir)
	if err != nil {
		zw.Close()
		f.Close()
		return "", fmt.Errorf("read %s: %w", dir, err)
	}
	added := 0
	for _, e := range entries {
		if e.IsDir() || e.Name() == ArchiveName {
			continue
		}
		if err := addEntry(zw, dir, e.Name()); err != nil {
			zw.Close()
			f.Close()
			return "", err
		}
		added++
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return "", fmt.Errorf("finish archive: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close archive: %w", err)
	}
	log.Info("dataset archived", "archive", path, "files", added)
	return path, nil
}

func addEntry(zw *zip.Writer, dir, name string) error {
	src, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		return fmt.Errorf("archive %s: %w", name, err)
	}
	defer src.Close()
	dst, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("archive %s: %w", name, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("archive %s: %w", name, err)
	}
	return nil
}
