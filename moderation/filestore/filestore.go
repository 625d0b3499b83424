// Package filestore keeps uploaded files on local disk. Only the orchestrator
// writes files and only the review workflow and orchestrator delete them.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("stored file not found")

// FileStore is the upload storage collaborator.
type FileStore interface {
	Write(ctx context.Context, r io.Reader, originalName, owner string) (string, error)
	Open(ctx context.Context, path string) (io.ReadCloser, error)
	// Delete is a no-op when the file is already gone
	Delete(ctx context.Context, path string) error
}

// DiskStore writes files under a root directory. Paths handed out are
// relative to that root.
type DiskStore struct {
	Root string
}

func NewDiskStore(root string) (*DiskStore, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("creating upload dir %s: %w", root, err)
	}
	return &DiskStore{Root: root}, nil
}

func (s *DiskStore) full(p string) (string, error) {
	clean := filepath.Clean("/" + p)
	if clean == "/" {
		return "", fmt.Errorf("invalid storage path %q", p)
	}
	return filepath.Join(s.Root, clean), nil
}

// Write streams to a temp file, syncs it, then renames it into place.
func (s *DiskStore) Write(ctx context.Context, r io.Reader, originalName, owner string) (string, error) {
	name := storageName(originalName, owner, time.Now())
	fullPath := filepath.Join(s.Root, name)
	tmpPath := fullPath + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("writing upload: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("closing upload: %w", err)
	}
	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("renaming upload: %w", err)
	}
	return name, nil
}

func (s *DiskStore) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	fullPath, err := s.full(p)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
		}
		return nil, fmt.Errorf("opening %s: %w", p, err)
	}
	return f, nil
}

func (s *DiskStore) Delete(ctx context.Context, p string) error {
	fullPath, err := s.full(p)
	if err != nil {
		return err
	}
	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting %s: %w", p, err)
	}
	return nil
}

// ReadHead reads at most limit bytes from the start of a stored file. The
// second return value reports whether the file was longer than that.
func ReadHead(ctx context.Context, fs FileStore, p string, limit int64) ([]byte, bool, error) {
	rc, err := fs.Open(ctx, p)
	if err != nil {
		return nil, false, err
	}
	defer rc.Close()
	buf, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(buf)) > limit {
		return buf[:limit], true, nil
	}
	return buf, false, nil
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

func sanitize(s string) string {
	return strings.Trim(unsafeChars.ReplaceAllString(s, "-"), "-")
}

// {name}_{owner}_{timestamp}_{uuid8}.{ext}
func storageName(originalName, owner string, now time.Time) string {
	ext := strings.ToLower(filepath.Ext(originalName))
	if sanitize(strings.TrimPrefix(ext, ".")) != strings.TrimPrefix(ext, ".") {
		ext = ""
	}
	name := sanitize(strings.TrimSuffix(filepath.Base(originalName), filepath.Ext(originalName)))
	user := sanitize(owner)
	if len(name) > 50 {
		name = name[:50]
	}
	if len(user) > 24 {
		user = user[:24]
	}
	if name == "" {
		name = "upload"
	}
	ts := now.UTC().Format("20060102150405")
	uid := uuid.New().String()[:8]
	return fmt.Sprintf("%s_%s_%s_%s%s", name, user, ts, uid, ext)
}
