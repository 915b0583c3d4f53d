package tbf

import (
	"encoding/binary"
	"errors"
	"testing"
)

func head(b []byte) [8]byte {
	var p [8]byte
	copy(p[:], b)
	return p
}

func TestEncodeParseHeader(t *testing.T) {
	ram := uint32(0x2000_4000)
	img, err := Encode(Image{
		Name:           "blink",
		TotalSize:      2048,
		InitFnOffset:   0x41,
		ProtectedSize:  128,
		MinimumRAMSize: 4096,
		FixedRAM:       &ram,
		WriteableFlashRegions: []WriteableFlashRegion{
			{Offset: 1024, Size: 512},
		},
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	version, hdrLen, total, err := ParseLengths(head(img))
	if err != nil {
		t.Fatalf("ParseLengths: %v", err)
	}
	if version != Version || total != 2048 {
		t.Fatalf("lengths = (%d, %d, %d)", version, hdrLen, total)
	}

	h, err := ParseHeader(img[:hdrLen], version)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if !h.IsApp() || !h.Enabled() {
		t.Fatalf("expected enabled app, got app=%v enabled=%v", h.IsApp(), h.Enabled())
	}
	if h.PackageName() != "blink" {
		t.Errorf("name = %q", h.PackageName())
	}
	if h.InitFnOffset() != 0x41 || h.ProtectedSize() != 128 || h.MinimumRAMSize() != 4096 {
		t.Errorf("main tlv = (%#x, %d, %d)", h.InitFnOffset(), h.ProtectedSize(), h.MinimumRAMSize())
	}
	if got, ok := h.FixedAddressRAM(); !ok || got != ram {
		t.Errorf("fixed ram = (%#x, %v)", got, ok)
	}
	if _, ok := h.FixedAddressFlash(); ok {
		t.Error("expected no fixed flash address")
	}
	if h.NumberWriteableFlashRegions() != 1 || h.WriteableFlashRegion(0).Size != 512 {
		t.Errorf("writeable regions = %+v", h.writeable)
	}
	if (h.WriteableFlashRegion(3) != WriteableFlashRegion{}) {
		t.Error("out of range writeable region should be zero")
	}
}

func TestProtectedSizeDefaultsToHeader(t *testing.T) {
	img, err := Encode(Image{Name: "a", TotalSize: 512})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	_, hdrLen, _, err := ParseLengths(head(img))
	if err != nil {
		t.Fatalf("ParseLengths: %v", err)
	}
	h, err := ParseHeader(img[:hdrLen], Version)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if h.ProtectedSize() != uint32(hdrLen) {
		t.Fatalf("protected = %d, want %d", h.ProtectedSize(), hdrLen)
	}
}

func TestPaddingIsNotApp(t *testing.T) {
	pad, err := EncodePadding(1024)
	if err != nil {
		t.Fatalf("EncodePadding: %v", err)
	}
	v, hdrLen, total, err := ParseLengths(head(pad))
	if err != nil {
		t.Fatalf("ParseLengths: %v", err)
	}
	if total != 1024 {
		t.Fatalf("total = %d", total)
	}
	h, err := ParseHeader(pad[:hdrLen], v)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if h.IsApp() {
		t.Fatal("padding parsed as app")
	}
}

func TestParseLengthsErasedFlashIsEndOfList(t *testing.T) {
	erased := [8]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	if _, _, _, err := ParseLengths(erased); !errors.Is(err, ErrUnableToParse) {
		t.Fatalf("expected ErrUnableToParse, got %v", err)
	}
}

func TestParseLengthsInvalidHeaderCarriesSkipLength(t *testing.T) {
	var p [8]byte
	binary.LittleEndian.PutUint16(p[0:2], Version)
	binary.LittleEndian.PutUint16(p[2:4], 8) // shorter than the base header
	binary.LittleEndian.PutUint32(p[4:8], 4096)

	_, _, _, err := ParseLengths(p)
	var inv *InvalidHeaderError
	if !errors.As(err, &inv) {
		t.Fatalf("expected InvalidHeaderError, got %v", err)
	}
	if inv.Length != 4096 {
		t.Fatalf("skip length = %d", inv.Length)
	}
}

func TestParseHeaderChecksum(t *testing.T) {
	img, err := Encode(Image{Name: "c", TotalSize: 256})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	_, hdrLen, _, _ := ParseLengths(head(img))
	img[20] ^= 0x01

	if _, err := ParseHeader(img[:hdrLen], Version); !errors.Is(err, ErrChecksum) {
		t.Fatalf("expected ErrChecksum, got %v", err)
	}
}

func TestParseHeaderShortHeaderSize(t *testing.T) {
	b := make([]byte, BaseHeaderBytes)
	binary.LittleEndian.PutUint16(b[0:2], Version)
	binary.LittleEndian.PutUint16(b[2:4], 8)
	binary.LittleEndian.PutUint32(b[4:8], 4096)
	binary.LittleEndian.PutUint32(b[12:16], Checksum(b[:8]))

	if _, err := ParseHeader(b, Version); !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestParseHeaderUnsupportedVersion(t *testing.T) {
	if _, err := ParseHeader(make([]byte, 16), 1); !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
}

func TestEncodeRejectsTinyImage(t *testing.T) {
	if _, err := Encode(Image{Name: "too-small", TotalSize: 8}); err == nil {
		t.Fatal("expected error")
	}
}
