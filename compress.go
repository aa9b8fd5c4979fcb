package fds

import (
	"bytes"

	"github.com/golang/snappy"
	"github.com/pierrec/lz4"
	"github.com/pkg/errors"
)

// CompressAlgorithm selects the codec used for flash image snapshots.
type CompressAlgorithm uint16

const (
	CompSnappy CompressAlgorithm = iota // default
	CompNone
	CompLz4
)

type Compressor func([]byte) []byte
type DeCompressor func([]byte) ([]byte, error)

// compressor returns the encode side of the codec, nil for CompNone.
func (a CompressAlgorithm) compressor() (Compressor, error) {
	switch a {
	case CompSnappy:
		return func(in []byte) []byte {
			return snappy.Encode(nil, in)
		}, nil
	case CompLz4:
		return func(in []byte) []byte {
			buf := &bytes.Buffer{}
			writer := lz4.NewWriter(buf)
			writer.NoChecksum = true
			if _, err := writer.Write(in); err != nil {
				panic(err)
			}
			_ = writer.Close()
			return buf.Bytes()
		}, nil
	case CompNone:
		return nil, nil
	}
	return nil, errors.Errorf("fds: unknown compression algorithm %d", a)
}

// decompressor returns the decode side of the codec, nil for CompNone.
func (a CompressAlgorithm) decompressor() (DeCompressor, error) {
	switch a {
	case CompSnappy:
		return func(in []byte) ([]byte, error) {
			return snappy.Decode(nil, in)
		}, nil
	case CompLz4:
		return func(in []byte) ([]byte, error) {
			buf := &bytes.Buffer{}
			reader := lz4.NewReader(bytes.NewReader(in))
			_, err := buf.ReadFrom(reader)
			return buf.Bytes(), err
		}, nil
	case CompNone:
		return nil, nil
	}
	return nil, errors.Errorf("fds: unknown compression algorithm %d", a)
}
