// Package archive bundles world save files into tar.gz archives and unpacks
// them again. Entries are stored under their bare relative names so an
// archive can be extracted straight into a save directory.
package archive

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Compress writes a tar.gz archive at dest containing the named files.
// Each name is a path relative to baseDir and is stored in the archive
// under that relative name. A partially written archive is removed on error.
func Compress(dest, baseDir string, files []string) error {
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}

	if err := writeTarGz(out, baseDir, files); err != nil {
		out.Close()
		os.Remove(dest)
		return err
	}

	if err := out.Close(); err != nil {
		os.Remove(dest)
		return fmt.Errorf("close archive: %w", err)
	}
	return nil
}

func writeTarGz(out io.Writer, baseDir string, files []string) error {
	gw := gzip.NewWriter(out)
	defer gw.Close()

	tw := tar.NewWriter(gw)
	defer tw.Close()

	for _, name := range files {
		path := filepath.Join(baseDir, name)
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("stat %s: %w", name, err)
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(name)

		if err := tw.WriteHeader(header); err != nil {
			return err
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		if _, err := io.Copy(tw, f); err != nil {
			f.Close()
			return err
		}
		f.Close()
	}

	return nil
}

// Extract unpacks a tar.gz archive into destDir, creating it if needed.
// Entries that would escape destDir are rejected.
func Extract(src, destDir string) error {
	file, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer file.Close()

	gr, err := gzip.NewReader(file)
	if err != nil {
		return fmt.Errorf("read archive: %w", err)
	}
	defer gr.Close()

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return err
	}

	cleanDest := filepath.Clean(destDir)
	tr := tar.NewReader(gr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		target := filepath.Join(destDir, header.Name)

		// Prevent path traversal
		if target != cleanDest && !strings.HasPrefix(target, cleanDest+string(os.PathSeparator)) {
			return fmt.Errorf("invalid path in archive: %s", header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(header.Mode)); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			f.Close()
		}
	}
	return nil
}
