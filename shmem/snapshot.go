package shmem

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"

	"github.com/cavaliergopher/cpio"
)

// Span names a range of physical memory to include in a snapshot.
type Span struct {
	Name string
	Addr uint64
	Size int
}

// WriteSnapshot writes a gzipped cpio archive to w with one file per span. The
// spans are copied as they are read, so concurrent writers may tear them.
func WriteSnapshot(w io.Writer, memAt func(addr uint64, size int) ([]byte, error), spans ...Span) error {
	zw := gzip.NewWriter(w)
	cw := cpio.NewWriter(zw)

	for _, s := range spans {
		b, err := memAt(s.Addr, s.Size)
		if err != nil {
			return fmt.Errorf("shmem: snapshot %s: %w", s.Name, err)
		}

		data := bytes.Clone(b)

		err = cw.WriteHeader(&cpio.Header{
			Name: s.Name,
			Mode: 0o444,
			Size: int64(len(data)),
		})

		if err != nil {
			return err
		}

		if _, err := cw.Write(data); err != nil {
			return err
		}
	}

	if err := cw.Close(); err != nil {
		return err
	}

	return zw.Close()
}

// ReadSnapshot reads an archive written by WriteSnapshot.
func ReadSnapshot(r io.Reader) (map[string][]byte, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, err
	}

	defer zr.Close()

	files := make(map[string][]byte)
	cr := cpio.NewReader(zr)

	for {
		hdr, err := cr.Next()
		if errors.Is(err, io.EOF) {
			return files, nil
		}

		if err != nil {
			return nil, err
		}

		data, err := io.ReadAll(cr)
		if err != nil {
			return nil, err
		}

		files[hdr.Name] = data
	}
}
