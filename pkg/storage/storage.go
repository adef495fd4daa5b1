// Package storage owns the on-disk layout of builds: one numbered
// working directory plus one append-only log file per build number
// under a server-configured root. Directory and log are created
// together before registration and deleted together at eviction.
package storage

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/forgelet/forgelet/pkg/fsutil"
	"github.com/sirupsen/logrus"
)

// Store is the filesystem-backed artifact and log store.
type Store interface {
	// Init ensures the root directory exists.
	Init() error

	// Provision creates the working directory and empty log file for a
	// build number and returns their paths.
	Provision(number uint64) (workDir, logPath string, err error)

	// OpenLog opens a build's log file for appending.
	OpenLog(number uint64) (*os.File, error)

	// ReadLog returns a reader over the log starting at the byte
	// offset, plus the current log size. The previously written
	// portion is prefix-stable: the same offset always yields the
	// same bytes.
	ReadLog(number uint64, offset int64) (io.ReadCloser, int64, error)

	// Archive writes the build's working directory as a gzipped
	// tarball to w.
	Archive(number uint64, w io.Writer) error

	// Remove deletes the working directory and log file together.
	Remove(number uint64) error

	// DiskUsage returns the total bytes used under the root.
	DiskUsage() (int64, error)

	// Root returns the configured root directory.
	Root() string
}

// Compile-time interface check.
var _ Store = (*fsStore)(nil)

type fsStore struct {
	log   logrus.FieldLogger
	root  string
	owner *fsutil.OwnerConfig
}

// NewStore creates a filesystem store rooted at root. When owner is
// non-nil, created directories and files are chowned to it.
func NewStore(log logrus.FieldLogger, root string, owner *fsutil.OwnerConfig) Store {
	return &fsStore{
		log:   log.WithField("component", "storage"),
		root:  filepath.Clean(root),
		owner: owner,
	}
}

// Init ensures the root directory exists.
func (s *fsStore) Init() error {
	if err := fsutil.MkdirAll(s.root, 0o755, s.owner); err != nil {
		return fmt.Errorf("creating builds root: %w", err)
	}

	return nil
}

// Root returns the configured root directory.
func (s *fsStore) Root() string { return s.root }

// workDirPath returns the working directory for a build number.
func (s *fsStore) workDirPath(number uint64) string {
	return filepath.Join(s.root, strconv.FormatUint(number, 10))
}

// logPath returns the log file path for a build number.
func (s *fsStore) logPath(number uint64) string {
	return filepath.Join(s.root, strconv.FormatUint(number, 10)+".log")
}

// Provision creates the working directory and an empty log file.
func (s *fsStore) Provision(number uint64) (string, string, error) {
	workDir := s.workDirPath(number)
	logPath := s.logPath(number)

	if err := fsutil.MkdirAll(workDir, 0o755, s.owner); err != nil {
		return "", "", fmt.Errorf("creating working directory: %w", err)
	}

	f, err := fsutil.Create(logPath, s.owner)
	if err != nil {
		// Keep dir and log atomic: neither exists on failure.
		_ = os.RemoveAll(workDir)

		return "", "", fmt.Errorf("creating log file: %w", err)
	}

	if err := f.Close(); err != nil {
		return "", "", fmt.Errorf("closing log file: %w", err)
	}

	return workDir, logPath, nil
}

// OpenLog opens the log for appending.
func (s *fsStore) OpenLog(number uint64) (*os.File, error) {
	f, err := fsutil.OpenAppend(s.logPath(number), s.owner)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}

	return f, nil
}

// ReadLog opens the log at the given byte offset.
func (s *fsStore) ReadLog(number uint64, offset int64) (io.ReadCloser, int64, error) {
	f, err := os.Open(s.logPath(number))
	if err != nil {
		return nil, 0, fmt.Errorf("opening log file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()

		return nil, 0, fmt.Errorf("statting log file: %w", err)
	}

	if offset < 0 {
		offset = 0
	}

	if offset > info.Size() {
		offset = info.Size()
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		_ = f.Close()

		return nil, 0, fmt.Errorf("seeking log file: %w", err)
	}

	return f, info.Size(), nil
}

// Archive streams the working directory as a gzipped tarball.
func (s *fsStore) Archive(number uint64, w io.Writer) error {
	workDir := s.workDirPath(number)

	if _, err := os.Stat(workDir); err != nil {
		return fmt.Errorf("statting working directory: %w", err)
	}

	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	err := filepath.Walk(workDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(workDir, path)
		if err != nil {
			return fmt.Errorf("computing relative path: %w", err)
		}

		if rel == "." {
			return nil
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return fmt.Errorf("building tar header: %w", err)
		}

		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
		}

		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("writing tar header: %w", err)
		}

		if info.IsDir() || !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("opening %s: %w", rel, err)
		}
		defer func() { _ = f.Close() }()

		if _, err := io.Copy(tw, f); err != nil {
			return fmt.Errorf("archiving %s: %w", rel, err)
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("walking working directory: %w", err)
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("closing tar writer: %w", err)
	}

	if err := gz.Close(); err != nil {
		return fmt.Errorf("closing gzip writer: %w", err)
	}

	return nil
}

// Remove deletes the working directory and log file together.
func (s *fsStore) Remove(number uint64) error {
	dirErr := os.RemoveAll(s.workDirPath(number))
	logErr := os.Remove(s.logPath(number))

	if dirErr != nil {
		return fmt.Errorf("removing working directory: %w", dirErr)
	}

	if logErr != nil && !os.IsNotExist(logErr) {
		return fmt.Errorf("removing log file: %w", logErr)
	}

	return nil
}

// DiskUsage sums file sizes under the root.
func (s *fsStore) DiskUsage() (int64, error) {
	var total int64

	err := filepath.Walk(s.root, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if info.Mode().IsRegular() {
			total += info.Size()
		}

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("walking builds root: %w", err)
	}

	return total, nil
}
