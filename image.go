package fds

import (
	"encoding/binary"
	"io"
	"io/ioutil"

	"github.com/pkg/errors"
)

const (
	// imageMagic = "FDSI" in littleEndian
	imageMagic   uint32 = 0x49534446
	imageVersion uint16 = 1
	imageHdrLen         = 16
)

// SaveImage writes a snapshot of the whole device to w: a fixed header
// carrying the geometry and codec, then the flash contents compressed with
// the selected algorithm. Images are a host-side convenience for tests and
// tooling; the on-flash format itself is never compressed.
func SaveImage(w io.Writer, f *MemFlash, alg CompressAlgorithm) error {
	comp, err := alg.compressor()
	if err != nil {
		return err
	}

	hdr := make([]byte, imageHdrLen)
	binary.LittleEndian.PutUint32(hdr[0:4], imageMagic)
	binary.LittleEndian.PutUint16(hdr[4:6], imageVersion)
	binary.LittleEndian.PutUint16(hdr[6:8], uint16(alg))
	binary.LittleEndian.PutUint32(hdr[8:12], f.pageSize)
	binary.LittleEndian.PutUint32(hdr[12:16], f.NumPages())
	if _, err := w.Write(hdr); err != nil {
		return errors.Wrap(err, "write image header")
	}

	payload := f.buf
	if comp != nil {
		payload = comp(f.buf)
	}
	if _, err := w.Write(payload); err != nil {
		return errors.Wrap(err, "write image payload")
	}
	return nil
}

// LoadImage reconstructs a device from a snapshot written by SaveImage.
func LoadImage(r io.Reader) (*MemFlash, error) {
	data, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "read image")
	}
	if len(data) < imageHdrLen {
		return nil, errors.New("fds: image too short")
	}
	if binary.LittleEndian.Uint32(data[0:4]) != imageMagic {
		return nil, errors.New("fds: bad image magic")
	}
	if v := binary.LittleEndian.Uint16(data[4:6]); v != imageVersion {
		return nil, errors.Errorf("fds: unsupported image version %d", v)
	}
	alg := CompressAlgorithm(binary.LittleEndian.Uint16(data[6:8]))
	pageSize := binary.LittleEndian.Uint32(data[8:12])
	numPages := binary.LittleEndian.Uint32(data[12:16])
	if pageSize == 0 || pageSize%2 != 0 || numPages == 0 {
		return nil, errors.New("fds: bad image geometry")
	}

	decomp, err := alg.decompressor()
	if err != nil {
		return nil, err
	}
	payload := data[imageHdrLen:]
	if decomp != nil {
		if payload, err = decomp(payload); err != nil {
			return nil, errors.Wrap(err, "decompress image")
		}
	}
	if uint32(len(payload)) != pageSize*numPages {
		return nil, errors.Errorf("fds: image payload is %d bytes, want %d",
			len(payload), pageSize*numPages)
	}

	return &MemFlash{pageSize: pageSize, buf: payload, WordLimit: -1}, nil
}
