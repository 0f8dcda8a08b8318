package shell

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/hexops/foreman/internal/errors"
	"github.com/mholt/archiver/v4"
)

type archiveFormat interface {
	Extract(
		ctx context.Context,
		sourceArchive io.Reader,
		pathsInArchive []string,
		handleFile archiver.FileHandler,
	) error
}

// ExtractArchive unpacks a zip or tar.gz archive into dst. Entries escaping dst are rejected.
func ExtractArchive(archiveFilePath, dst string) Cmd {
	return func(ctx context.Context, w io.Writer) error {
		fmt.Fprintf(w, "ExtractArchive: %s > %s\n", archiveFilePath, dst)
		handler := func(ctx context.Context, fi archiver.File) error {
			dstPath := filepath.Join(dst, fi.NameInArchive)
			if !strings.HasPrefix(dstPath, filepath.Clean(dst)+string(os.PathSeparator)) {
				return fmt.Errorf("archive entry outside of destination: %s", fi.NameInArchive)
			}
			if fi.IsDir() {
				err := os.MkdirAll(dstPath, os.ModePerm)
				return errors.Wrap(err, "MkdirAll")
			}
			if err := os.MkdirAll(filepath.Dir(dstPath), os.ModePerm); err != nil {
				return errors.Wrap(err, "MkdirAll")
			}

			src, err := fi.Open()
			if err != nil {
				return errors.Wrap(err, "Open")
			}
			defer src.Close()
			dst, err := os.Create(dstPath)
			if err != nil {
				return errors.Wrap(err, "Create")
			}
			defer dst.Close()
			_, err = io.Copy(dst, src)
			if err != nil {
				return errors.Wrap(err, "Copy")
			}
			err = os.Chmod(dstPath, fi.Mode().Perm())
			return errors.Wrap(err, "Chmod")
		}
		archiveFile, err := os.Open(archiveFilePath)
		if err != nil {
			return errors.Wrap(err, "Open(archiveFilePath)")
		}
		defer archiveFile.Close()

		format, _, err := archiver.Identify(archiveFilePath, archiveFile)
		if err != nil {
			return errors.Wrap(err, "Identify")
		}
		if _, err := archiveFile.Seek(0, io.SeekStart); err != nil {
			return errors.Wrap(err, "Seek")
		}
		extractor, ok := format.(archiveFormat)
		if !ok {
			return fmt.Errorf("unsupported archive format: %s", format.Name())
		}
		return errors.Wrap(extractor.Extract(ctx, archiveFile, nil, handler), "Extract")
	}
}

// Glob returns the files below dir matched by any of paths and none of exclude, relative to
// dir. A matched directory contributes every file below it.
func Glob(dir string, paths, exclude []string) ([]string, error) {
	fsys := os.DirFS(dir)
	seen := map[string]bool{}
	for _, pattern := range paths {
		matches, err := doublestar.Glob(fsys, filepath.ToSlash(filepath.Clean(pattern)))
		if err != nil {
			return nil, errors.Wrapf(err, "Glob(%q)", pattern)
		}
		for _, match := range matches {
			fi, err := os.Stat(filepath.Join(dir, match))
			if err != nil {
				continue
			}
			if !fi.IsDir() {
				seen[match] = true
				continue
			}
			err = doublestar.GlobWalk(fsys, match+"/**", func(path string, d os.DirEntry) error {
				if !d.IsDir() {
					seen[path] = true
				}
				return nil
			})
			if err != nil {
				return nil, errors.Wrap(err, "GlobWalk")
			}
		}
	}
	var files []string
	for file := range seen {
		excluded := false
		for _, pattern := range exclude {
			if ok, _ := doublestar.Match(pattern, file); ok {
				excluded = true
				break
			}
		}
		if !excluded {
			files = append(files, file)
		}
	}
	sort.Strings(files)
	return files, nil
}

// CreateArchive writes the given files below dir to out as a zip, or as a tar.gz when gzip is
// set.
func CreateArchive(ctx context.Context, out io.Writer, dir string, files []string, gzip bool) error {
	names := make(map[string]string, len(files))
	for _, file := range files {
		names[filepath.Join(dir, file)] = file
	}
	archiveFiles, err := archiver.FilesFromDisk(nil, names)
	if err != nil {
		return errors.Wrap(err, "FilesFromDisk")
	}
	if gzip {
		format := archiver.CompressedArchive{Compression: archiver.Gz{}, Archival: archiver.Tar{}}
		return errors.Wrap(format.Archive(ctx, out, archiveFiles), "Archive")
	}
	return errors.Wrap(archiver.Zip{}.Archive(ctx, out, archiveFiles), "Archive")
}
