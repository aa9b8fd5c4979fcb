package fds

import (
	"github.com/pkg/errors"
)

// Flash is the driver contract the store is layered on. Addresses are byte
// offsets from the start of the device. Erased flash reads as 0xFF bytes and
// programming can only turn 1-bits into 0-bits, one 16-bit word at a time;
// programming a word that is not erased is a driver error.
type Flash interface {
	// PageSize returns the erase granularity in bytes.
	PageSize() uint32
	// NumPages returns the total number of pages on the device.
	NumPages() uint32
	// PageOf maps a byte address to its page index.
	PageOf(addr uint32) uint32
	// AddrOf maps a page index to its base address.
	AddrOf(page uint32) uint32
	// Unlock enables programming and erasing.
	Unlock()
	// Lock disables programming and erasing.
	Lock()
	// ErasePage resets the page starting at base to all 0xFF.
	ErasePage(base uint32) error
	// Program writes len(src)/2 16-bit words at dst. dst must be word
	// aligned and len(src) even.
	Program(dst uint32, src []byte) error
	// Read copies len(p) bytes starting at addr into p.
	Read(addr uint32, p []byte) error
}

var (
	// ErrLocked is returned when programming or erasing locked flash.
	ErrLocked = errors.New("memflash: flash is locked")
	// ErrPowerCut reports that the simulated power loss limit was hit.
	ErrPowerCut = errors.New("memflash: simulated power loss")
)

// MemFlash is an in-memory flash device with NOR semantics. It backs the
// package tests and the host-side CLI; the two hook fields let tests inject
// driver faults and power loss at word granularity.
type MemFlash struct {
	pageSize uint32
	buf      []byte
	unlocked bool

	// FailAt makes the n-th Program call (1-based) fail with a driver
	// error; zero disables the hook.
	FailAt int
	// WordLimit stops the device after that many programmed words,
	// simulating power loss mid-operation; negative disables the hook.
	WordLimit int

	progCalls int
	words     int
}

// NewMemFlash creates an erased device of numPages pages.
func NewMemFlash(pageSize, numPages uint32) *MemFlash {
	f := &MemFlash{
		pageSize:  pageSize,
		buf:       make([]byte, pageSize*numPages),
		WordLimit: -1,
	}
	for i := range f.buf {
		f.buf[i] = 0xFF
	}
	return f
}

func (f *MemFlash) PageSize() uint32 { return f.pageSize }

func (f *MemFlash) NumPages() uint32 { return uint32(len(f.buf)) / f.pageSize }

func (f *MemFlash) PageOf(addr uint32) uint32 { return addr / f.pageSize }

func (f *MemFlash) AddrOf(page uint32) uint32 { return page * f.pageSize }

func (f *MemFlash) Unlock() { f.unlocked = true }

func (f *MemFlash) Lock() { f.unlocked = false }

func (f *MemFlash) ErasePage(base uint32) error {
	if !f.unlocked {
		return ErrLocked
	}
	if base%f.pageSize != 0 || base+f.pageSize > uint32(len(f.buf)) {
		return errors.Errorf("memflash: bad erase base %#x", base)
	}
	for i := base; i < base+f.pageSize; i++ {
		f.buf[i] = 0xFF
	}
	return nil
}

func (f *MemFlash) Program(dst uint32, src []byte) error {
	if !f.unlocked {
		return ErrLocked
	}
	if dst%2 != 0 || len(src)%2 != 0 || int(dst)+len(src) > len(f.buf) {
		return errors.Errorf("memflash: bad program request @ %#x, %d bytes", dst, len(src))
	}
	f.progCalls++
	if f.FailAt > 0 && f.progCalls == f.FailAt {
		return errors.Errorf("memflash: injected fault on program call %d", f.progCalls)
	}
	for i := 0; i < len(src); i += 2 {
		if f.WordLimit >= 0 && f.words >= f.WordLimit {
			return ErrPowerCut
		}
		for j := i; j < i+2; j++ {
			old, b := f.buf[int(dst)+j], src[j]
			if old&b != b {
				return errors.Errorf("memflash: program would set bits @ %#x", int(dst)+j)
			}
			f.buf[int(dst)+j] = b
		}
		f.words++
	}
	return nil
}

func (f *MemFlash) Read(addr uint32, p []byte) error {
	if int(addr)+len(p) > len(f.buf) {
		return errors.Errorf("memflash: read beyond device @ %#x, %d bytes", addr, len(p))
	}
	copy(p, f.buf[addr:int(addr)+len(p)])
	return nil
}
