package tbf

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Image describes an app entry to encode.
type Image struct {
	Name           string
	TotalSize      uint32
	InitFnOffset   uint32
	ProtectedSize  uint32 // 0 means "header size"
	MinimumRAMSize uint32
	Disabled       bool
	Sticky         bool

	FixedRAM   *uint32
	FixedFlash *uint32

	WriteableFlashRegions []WriteableFlashRegion
}

var errImageTooSmall = errors.New("tbf: total size smaller than header")

// Encode builds a complete entry: header followed by zeroed app bytes up to
// TotalSize.
func Encode(img Image) ([]byte, error) {
	hdr := encodeHeader(img)
	if img.TotalSize < uint32(len(hdr)) {
		return nil, fmt.Errorf("%w: %d < %d", errImageTooSmall, img.TotalSize, len(hdr))
	}
	if img.ProtectedSize != 0 && img.ProtectedSize < uint32(len(hdr)) {
		return nil, fmt.Errorf("tbf: protected size %d smaller than header %d", img.ProtectedSize, len(hdr))
	}
	out := make([]byte, img.TotalSize)
	copy(out, hdr)
	return out, nil
}

// EncodePadding builds a padding entry of the given size.
func EncodePadding(size uint32) ([]byte, error) {
	if size < BaseHeaderBytes {
		return nil, fmt.Errorf("%w: %d", errImageTooSmall, size)
	}
	out := make([]byte, size)
	putBase(out, BaseHeaderBytes, size, 0)
	binary.LittleEndian.PutUint32(out[12:16], Checksum(out[:BaseHeaderBytes]))
	return out, nil
}

func encodeHeader(img Image) []byte {
	var tlvs []byte

	main := make([]byte, 12)
	binary.LittleEndian.PutUint32(main[0:4], img.InitFnOffset)
	binary.LittleEndian.PutUint32(main[4:8], img.ProtectedSize)
	binary.LittleEndian.PutUint32(main[8:12], img.MinimumRAMSize)
	tlvs = appendTLV(tlvs, TypeMain, main)

	if img.Name != "" {
		tlvs = appendTLV(tlvs, TypePackageName, []byte(img.Name))
	}

	if len(img.WriteableFlashRegions) > 0 {
		val := make([]byte, 8*len(img.WriteableFlashRegions))
		for i, r := range img.WriteableFlashRegions {
			binary.LittleEndian.PutUint32(val[i*8:i*8+4], r.Offset)
			binary.LittleEndian.PutUint32(val[i*8+4:i*8+8], r.Size)
		}
		tlvs = appendTLV(tlvs, TypeWriteableFlashRegions, val)
	}

	if img.FixedRAM != nil || img.FixedFlash != nil {
		val := make([]byte, 8)
		ram, flash := uint32(NoFixedAddress), uint32(NoFixedAddress)
		if img.FixedRAM != nil {
			ram = *img.FixedRAM
		}
		if img.FixedFlash != nil {
			flash = *img.FixedFlash
		}
		binary.LittleEndian.PutUint32(val[0:4], ram)
		binary.LittleEndian.PutUint32(val[4:8], flash)
		tlvs = appendTLV(tlvs, TypeFixedAddresses, val)
	}

	hdr := make([]byte, BaseHeaderBytes+len(tlvs))
	var flags uint32
	if !img.Disabled {
		flags |= FlagEnabled
	}
	if img.Sticky {
		flags |= FlagSticky
	}
	putBase(hdr, uint16(len(hdr)), img.TotalSize, flags)
	copy(hdr[BaseHeaderBytes:], tlvs)
	binary.LittleEndian.PutUint32(hdr[12:16], Checksum(hdr))
	return hdr
}

func putBase(b []byte, headerSize uint16, totalSize uint32, flags uint32) {
	binary.LittleEndian.PutUint16(b[0:2], Version)
	binary.LittleEndian.PutUint16(b[2:4], headerSize)
	binary.LittleEndian.PutUint32(b[4:8], totalSize)
	binary.LittleEndian.PutUint32(b[8:12], flags)
}

func appendTLV(dst []byte, typ uint16, val []byte) []byte {
	var tl [4]byte
	binary.LittleEndian.PutUint16(tl[0:2], typ)
	binary.LittleEndian.PutUint16(tl[2:4], uint16(len(val)))
	dst = append(dst, tl[:]...)
	dst = append(dst, val...)
	for pad := align4(len(val)) - len(val); pad > 0; pad-- {
		dst = append(dst, 0)
	}
	return dst
}
