package model

import (
	"bytes"
	"io"
	"os"
)

// ByteSource is anything the content store can ingest: a reader that knows
// how many bytes it will yield.
type ByteSource interface {
	io.Reader
	Size() int64
}

type bytesSource struct {
	*bytes.Reader
	size int64
}

func (b *bytesSource) Size() int64 { return b.size }

// BytesSource wraps an in-memory buffer.
func BytesSource(data []byte) ByteSource {
	return &bytesSource{Reader: bytes.NewReader(data), size: int64(len(data))}
}

// FileSource is a ByteSource backed by an open file. Close releases it.
type FileSource struct {
	f    *os.File
	size int64
}

// OpenFileSource opens path for reading and records its current size.
func OpenFileSource(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &FileSource{f: f, size: info.Size()}, nil
}

func (s *FileSource) Read(p []byte) (int, error) { return s.f.Read(p) }

// Size returns the file length observed when it was opened.
func (s *FileSource) Size() int64 { return s.size }

// Close closes the underlying file.
func (s *FileSource) Close() error { return s.f.Close() }

type readerSource struct {
	io.Reader
	size int64
}

func (r *readerSource) Size() int64 { return r.size }

// ReaderSource adapts a reader whose length the caller already knows, such
// as a request body with Content-Length.
func ReaderSource(r io.Reader, size int64) ByteSource {
	return &readerSource{Reader: r, size: size}
}
