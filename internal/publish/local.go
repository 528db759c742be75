package publish

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Local copies reports into a directory tree, gzip-compressing keys that
// end in .gz.
type Local struct {
	BasePath string
}

// NewLocal returns a Local rooted at basePath.
func NewLocal(basePath string) (*Local, error) {
	if basePath == "" {
		return nil, errors.New("local publish path is required")
	}
	return &Local{BasePath: filepath.Clean(basePath)}, nil
}

func (p *Local) Upload(ctx context.Context, localPath, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if localPath == "" || key == "" {
		return errors.New("local path and key are required")
	}
	dest, err := containedPath(p.BasePath, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create publish directory: %w", err)
	}
	if strings.HasSuffix(key, ".gz") {
		return compressFile(localPath, dest)
	}
	return copyFile(localPath, dest)
}

func (p *Local) Location(key string) string {
	return filepath.Join(p.BasePath, filepath.FromSlash(key))
}

// List returns the keys stored under prefix.
func (p *Local) List(prefix string) ([]string, error) {
	root := p.BasePath
	if prefix != "" {
		var err error
		if root, err = containedPath(p.BasePath, prefix); err != nil {
			return nil, err
		}
	}
	if _, err := os.Stat(root); errors.Is(err, os.ErrNotExist) {
		return []string{}, nil
	}

	var keys []string
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil || entry.IsDir() {
			return err
		}
		rel, err := filepath.Rel(p.BasePath, path)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list published reports: %w", err)
	}
	return keys, nil
}

// containedPath resolves key under basePath and rejects traversal.
func containedPath(basePath, key string) (string, error) {
	absBase, err := filepath.Abs(basePath)
	if err != nil {
		return "", fmt.Errorf("resolve base path: %w", err)
	}
	absJoined, err := filepath.Abs(filepath.Join(absBase, filepath.FromSlash(key)))
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if !strings.HasPrefix(absJoined, absBase+string(filepath.Separator)) {
		return "", fmt.Errorf("key %q resolves outside %q", key, absBase)
	}
	return absJoined, nil
}

func copyFile(srcPath, destPath string) (err error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("open source file: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("create destination file: %w", err)
	}
	defer func() {
		if cerr := dst.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close destination file: %w", cerr)
		}
	}()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("copy file: %w", err)
	}
	return nil
}

func compressFile(srcPath, destPath string) (err error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("open source file: %w", err)
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("stat source file: %w", err)
	}

	dst, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("create destination file: %w", err)
	}
	defer func() {
		if cerr := dst.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close destination file: %w", cerr)
		}
	}()

	gz := gzip.NewWriter(dst)
	gz.Name = filepath.Base(srcPath)
	gz.ModTime = info.ModTime()
	if _, err := io.Copy(gz, src); err != nil {
		return fmt.Errorf("compress file: %w", err)
	}
	return gz.Close()
}
