package artifact

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/klauspost/compress/gzip"
)

// FilesystemStore keeps artifact archives as tar.gz files under a
// single root directory.
type FilesystemStore struct {
	root string
}

func NewFilesystemStore(root string) (*FilesystemStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("creating artifact directory: %w", err)
	}
	return &FilesystemStore{root: root}, nil
}

func (s *FilesystemStore) archivePath(key string) (string, error) {
	return securejoin.SecureJoin(s.root, key+".tar.gz")
}

func (s *FilesystemStore) Put(ctx context.Context, key, root string, globs []string) (Handle, error) {
	path, err := s.archivePath(key)
	if err != nil {
		return Handle{}, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return Handle{}, err
	}

	// O_EXCL keeps archives write-once per key
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return Handle{}, fmt.Errorf("creating archive: %w", err)
	}
	defer file.Close()

	paths, err := writeArchive(file, root, globs)
	if err != nil {
		os.Remove(path)
		return Handle{}, err
	}

	info, err := file.Stat()
	if err != nil {
		return Handle{}, err
	}

	return Handle{
		Key:       key,
		Paths:     paths,
		Size:      info.Size(),
		CreatedAt: time.Now(),
	}, nil
}

func (s *FilesystemStore) Get(ctx context.Context, h Handle) (io.ReadCloser, error) {
	path, err := s.archivePath(h.Key)
	if err != nil {
		return nil, err
	}
	return os.Open(path)
}

// writeArchive matches each glob against the workspace root and writes
// every hit into a tar.gz stream. A directory match pulls in its whole
// tree. A glob matching nothing is reported as ErrMissingPath.
func writeArchive(w io.Writer, root string, globs []string) ([]string, error) {
	gw := gzip.NewWriter(w)
	tw := tar.NewWriter(gw)

	var captured []string
	seen := make(map[string]bool)
	for _, pattern := range globs {
		matches, err := doublestar.Glob(os.DirFS(root), pattern)
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", pattern, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("%w: %q", ErrMissingPath, pattern)
		}
		for _, m := range matches {
			if err := addTree(tw, root, m, seen, &captured); err != nil {
				return nil, err
			}
		}
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}
	return captured, gw.Close()
}

func addTree(tw *tar.Writer, root, rel string, seen map[string]bool, captured *[]string) error {
	full, err := securejoin.SecureJoin(root, rel)
	if err != nil {
		return err
	}
	info, err := os.Stat(full)
	if err != nil {
		return err
	}

	if !info.IsDir() {
		return addFile(tw, full, filepath.ToSlash(rel), seen, captured)
	}

	return filepath.WalkDir(full, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		r, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		return addFile(tw, p, filepath.ToSlash(r), seen, captured)
	})
}

func addFile(tw *tar.Writer, full, rel string, seen map[string]bool, captured *[]string) error {
	if seen[rel] {
		return nil
	}
	seen[rel] = true

	info, err := os.Stat(full)
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = rel

	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}

	f, err := os.Open(full)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := io.Copy(tw, f); err != nil {
		return err
	}

	*captured = append(*captured, rel)
	return nil
}

// Extract unpacks an artifact archive into a workspace. Entry names
// are joined under dest with securejoin so a crafted archive cannot
// write outside it.
func Extract(r io.Reader, dest string) error {
	gr, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("reading archive: %w", err)
	}
	defer gr.Close()

	tr := tar.NewReader(gr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		path, err := securejoin.SecureJoin(dest, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(path, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return err
			}
			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		}
	}
}
