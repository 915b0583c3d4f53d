//go:build !tinygo

package hal

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

const (
	hostFlashDefaultPath      = "ember.flash"
	hostFlashDefaultSizeBytes = 512 * 1024
	hostFlashEraseBlockBytes  = 4096
)

var ErrFlashWriteRequiresErase = errors.New("flash write requires erase")

// hostFlash is NOR flash backed by a file: erased bytes read 0xFF and writes
// can only clear bits.
type hostFlash struct {
	mu     sync.Mutex
	f      *os.File
	size   uint32
	erased [hostFlashEraseBlockBytes]byte
}

// newHostFlash opens path, creating an erased image if it does not exist.
// On error the returned flash reports ErrNotImplemented for every access.
func newHostFlash(path string) (*hostFlash, error) {
	hf := &hostFlash{}
	for i := range hf.erased {
		hf.erased[i] = 0xFF
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return hf, fmt.Errorf("open %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return hf, fmt.Errorf("stat %s: %w", path, err)
	}
	switch {
	case st.Size() > int64(^uint32(0)):
		_ = f.Close()
		return hf, fmt.Errorf("%s: %d bytes is too large", path, st.Size())
	case st.Size() > 0:
		hf.size = uint32(st.Size())
	default:
		hf.size = hostFlashDefaultSizeBytes
		blank := bytes.Repeat(hf.erased[:], hostFlashDefaultSizeBytes/hostFlashEraseBlockBytes)
		if _, err := f.WriteAt(blank, 0); err != nil {
			_ = f.Close()
			return &hostFlash{}, fmt.Errorf("erase %s: %w", path, err)
		}
	}
	hf.f = f
	return hf, nil
}

func (f *hostFlash) SizeBytes() uint32 { return f.size }
func (f *hostFlash) EraseBlockBytes() uint32 {
	return hostFlashEraseBlockBytes
}

// window clips p to the device from off. Callers hold f.mu.
func (f *hostFlash) window(op string, p []byte, off uint32) ([]byte, error) {
	if f.f == nil {
		return nil, ErrNotImplemented
	}
	if off >= f.size {
		return nil, fmt.Errorf("flash %s at %d: %w", op, off, os.ErrInvalid)
	}
	return p[:min(uint32(len(p)), f.size-off)], nil
}

func (f *hostFlash) ReadAt(p []byte, off uint32) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, err := f.window("read", p, off)
	if err != nil {
		return 0, err
	}
	n, err := f.f.ReadAt(p, int64(off))
	if n == len(p) && errors.Is(err, io.EOF) {
		err = nil
	}
	return n, err
}

// WriteAt programs p at off. Programming can only clear bits; a write that
// would set one fails without changing anything.
func (f *hostFlash) WriteAt(p []byte, off uint32) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, err := f.window("write", p, off)
	if err != nil {
		return 0, err
	}
	cur := make([]byte, len(p))
	if _, err := f.f.ReadAt(cur, int64(off)); err != nil && !errors.Is(err, io.EOF) {
		return 0, fmt.Errorf("flash write at %d: %w", off, err)
	}
	for i, b := range p {
		if cur[i]|b != cur[i] {
			return 0, fmt.Errorf("flash write at %d: %w", off+uint32(i), ErrFlashWriteRequiresErase)
		}
	}
	return f.f.WriteAt(p, int64(off))
}

// Erase resets whole erase blocks to 0xFF.
func (f *hostFlash) Erase(off, size uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.f == nil {
		return ErrNotImplemented
	}
	if size == 0 {
		return nil
	}
	aligned := off%hostFlashEraseBlockBytes == 0 && size%hostFlashEraseBlockBytes == 0
	if !aligned || uint64(off)+uint64(size) > uint64(f.size) {
		return fmt.Errorf("flash erase off=%d size=%d: %w", off, size, os.ErrInvalid)
	}
	for block := off; block < off+size; block += hostFlashEraseBlockBytes {
		if _, err := f.f.WriteAt(f.erased[:], int64(block)); err != nil {
			return fmt.Errorf("flash erase block at %d: %w", block, err)
		}
	}
	return nil
}

func (f *hostFlash) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.f == nil {
		return nil
	}
	err := f.f.Close()
	f.f = nil
	return err
}
