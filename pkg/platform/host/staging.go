package host

import (
	"os"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
)

// stagingFile is an image under construction, memory mapped at its full
// size so blocks may land in any order.
type stagingFile struct {
	path string
	fd   *os.File
	data mmap.MMap
}

func createStaging(path string, size int64) (*stagingFile, error) {
	if size <= 0 {
		return nil, errors.Errorf("invalid image size %d", size)
	}
	fd, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, stagingFilePerm)
	if err != nil {
		return nil, errors.Wrap(err, "open staging file")
	}
	if err := fd.Truncate(size); err != nil {
		fd.Close()
		os.Remove(path)
		return nil, errors.Wrap(err, "size staging file")
	}
	data, err := mmap.Map(fd, mmap.RDWR, 0)
	if err != nil {
		fd.Close()
		os.Remove(path)
		return nil, errors.Wrap(err, "map staging file")
	}
	return &stagingFile{path: path, fd: fd, data: data}, nil
}

// WriteAt copies p into the mapping. Blocks reach the disk when the file is
// closed.
func (s *stagingFile) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(s.data)) {
		return 0, errors.Errorf("write of %d bytes at %d outside image of %d", len(p), off, len(s.data))
	}
	return copy(s.data[off:], p), nil
}

// Bytes exposes the mapped image.
func (s *stagingFile) Bytes() []byte {
	return s.data
}

func (s *stagingFile) Close() error {
	if s.data == nil {
		return nil
	}
	if err := s.data.Flush(); err != nil {
		_ = s.data.Unmap()
		s.fd.Close()
		s.data = nil
		return errors.Wrap(err, "flush staging file")
	}
	if err := s.data.Unmap(); err != nil {
		s.fd.Close()
		s.data = nil
		return errors.Wrap(err, "unmap staging file")
	}
	s.data = nil
	return errors.Wrap(s.fd.Close(), "close staging file")
}

// Discard closes and removes the file.
func (s *stagingFile) Discard() error {
	if s.data != nil {
		_ = s.data.Unmap()
		s.data = nil
		s.fd.Close()
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove staging file")
	}
	return nil
}
