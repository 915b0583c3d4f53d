package tbf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

// Version is the only header version this package understands.
const Version = 2

// BaseHeaderBytes is the size of the fixed v2 base header.
const BaseHeaderBytes = 16

// NoFixedAddress marks an unset field in the FixedAddresses TLV.
const NoFixedAddress = 0xFFFFFFFF

// Flags
const (
	FlagEnabled = 1 << 0
	FlagSticky  = 1 << 1
)

// TLV types.
const (
	TypeMain                  = 1
	TypeWriteableFlashRegions = 2
	TypePackageName           = 3
	TypePicOption1            = 4
	TypeFixedAddresses        = 5
)

var (
	// ErrUnableToParse means the first eight bytes do not look like a header at all.
	// Discovery treats it as the end of the app list.
	ErrUnableToParse = errors.New("tbf: unable to parse header")

	ErrUnsupportedVersion = errors.New("tbf: unsupported version")
	ErrChecksum           = errors.New("tbf: checksum mismatch")
	ErrTruncated          = errors.New("tbf: header truncated")
	ErrBadTLVLength       = errors.New("tbf: bad tlv length")
	ErrBadPackageName     = errors.New("tbf: package name is not utf-8")
)

// InvalidHeaderError reports a header that cannot be used but whose entry
// length is known, so the caller can skip over it.
type InvalidHeaderError struct {
	Length uint32
}

func (e *InvalidHeaderError) Error() string {
	return fmt.Sprintf("tbf: invalid header (entry length %d)", e.Length)
}

// WriteableFlashRegion is an offset/size pair relative to the start of the app.
type WriteableFlashRegion struct {
	Offset uint32
	Size   uint32
}

// Header is a decoded TBF header.
type Header struct {
	version    uint16
	headerSize uint16
	totalSize  uint32
	flags      uint32

	hasMain        bool
	initFnOffset   uint32
	protectedSize  uint32
	minimumRAMSize uint32

	packageName string

	fixedRAM   uint32
	fixedFlash uint32

	writeable []WriteableFlashRegion
}

// ParseLengths inspects the first eight bytes of a candidate entry.
func ParseLengths(head [8]byte) (version uint16, headerSize uint16, totalSize uint32, err error) {
	version = binary.LittleEndian.Uint16(head[0:2])
	switch version {
	case Version:
		headerSize = binary.LittleEndian.Uint16(head[2:4])
		totalSize = binary.LittleEndian.Uint32(head[4:8])
		if uint32(headerSize) > totalSize || headerSize < BaseHeaderBytes {
			return 0, 0, 0, &InvalidHeaderError{Length: totalSize}
		}
		return version, headerSize, totalSize, nil
	default:
		return 0, 0, 0, ErrUnableToParse
	}
}

// ParseHeader decodes a full header. b must hold exactly the header bytes.
func ParseHeader(b []byte, version uint16) (*Header, error) {
	if version != Version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
	if len(b) < BaseHeaderBytes {
		return nil, ErrTruncated
	}

	h := &Header{
		version:    binary.LittleEndian.Uint16(b[0:2]),
		headerSize: binary.LittleEndian.Uint16(b[2:4]),
		totalSize:  binary.LittleEndian.Uint32(b[4:8]),
		flags:      binary.LittleEndian.Uint32(b[8:12]),
		fixedRAM:   NoFixedAddress,
		fixedFlash: NoFixedAddress,
	}
	if h.headerSize < BaseHeaderBytes || int(h.headerSize) > len(b) {
		return nil, ErrTruncated
	}
	b = b[:h.headerSize]

	want := binary.LittleEndian.Uint32(b[12:16])
	if got := Checksum(b); got != want {
		return nil, fmt.Errorf("%w: got %#x want %#x", ErrChecksum, got, want)
	}

	rest := b[BaseHeaderBytes:]
	for len(rest) >= 4 {
		typ := binary.LittleEndian.Uint16(rest[0:2])
		n := int(binary.LittleEndian.Uint16(rest[2:4]))
		rest = rest[4:]
		if n > len(rest) {
			return nil, ErrTruncated
		}
		val := rest[:n]
		if err := h.applyTLV(typ, val); err != nil {
			return nil, err
		}
		adv := align4(n)
		if adv > len(rest) {
			adv = len(rest)
		}
		rest = rest[adv:]
	}
	return h, nil
}

func (h *Header) applyTLV(typ uint16, val []byte) error {
	switch typ {
	case TypeMain:
		if len(val) != 12 {
			return fmt.Errorf("%w: main tlv %d", ErrBadTLVLength, len(val))
		}
		h.hasMain = true
		h.initFnOffset = binary.LittleEndian.Uint32(val[0:4])
		h.protectedSize = binary.LittleEndian.Uint32(val[4:8])
		h.minimumRAMSize = binary.LittleEndian.Uint32(val[8:12])
	case TypeWriteableFlashRegions:
		if len(val)%8 != 0 {
			return fmt.Errorf("%w: writeable flash regions tlv %d", ErrBadTLVLength, len(val))
		}
		for i := 0; i+8 <= len(val); i += 8 {
			h.writeable = append(h.writeable, WriteableFlashRegion{
				Offset: binary.LittleEndian.Uint32(val[i : i+4]),
				Size:   binary.LittleEndian.Uint32(val[i+4 : i+8]),
			})
		}
	case TypePackageName:
		if !utf8.Valid(val) {
			return ErrBadPackageName
		}
		h.packageName = string(val)
	case TypeFixedAddresses:
		if len(val) != 8 {
			return fmt.Errorf("%w: fixed addresses tlv %d", ErrBadTLVLength, len(val))
		}
		h.fixedRAM = binary.LittleEndian.Uint32(val[0:4])
		h.fixedFlash = binary.LittleEndian.Uint32(val[4:8])
	default:
		// Unknown TLVs are skipped so newer images still load.
	}
	return nil
}

// Checksum XORs all 32-bit words of the header, treating the checksum word
// as zero. A trailing partial word is zero-padded.
func Checksum(b []byte) uint32 {
	var sum uint32
	for i := 0; i < len(b); i += 4 {
		if i == 12 {
			continue
		}
		var w [4]byte
		copy(w[:], b[i:min(i+4, len(b))])
		sum ^= binary.LittleEndian.Uint32(w[:])
	}
	return sum
}

func align4(n int) int { return (n + 3) &^ 3 }

func (h *Header) Version() uint16    { return h.version }
func (h *Header) HeaderSize() uint16 { return h.headerSize }
func (h *Header) TotalSize() uint32  { return h.totalSize }

// IsApp reports whether the entry is an app. Padding entries carry no Main TLV.
func (h *Header) IsApp() bool   { return h.hasMain }
func (h *Header) Enabled() bool { return h.flags&FlagEnabled != 0 }
func (h *Header) Sticky() bool  { return h.flags&FlagSticky != 0 }

// ProtectedSize is the size of the region at the start of the entry the app
// cannot write; it is at least the header size.
func (h *Header) ProtectedSize() uint32 {
	if h.protectedSize < uint32(h.headerSize) {
		return uint32(h.headerSize)
	}
	return h.protectedSize
}

func (h *Header) InitFnOffset() uint32   { return h.initFnOffset }
func (h *Header) MinimumRAMSize() uint32 { return h.minimumRAMSize }
func (h *Header) PackageName() string    { return h.packageName }

// FixedAddressRAM returns the RAM address the app was linked for, if any.
func (h *Header) FixedAddressRAM() (uint32, bool) {
	return h.fixedRAM, h.fixedRAM != NoFixedAddress
}

// FixedAddressFlash returns the flash address of the app's first instruction
// after the protected region, if the app was linked for one.
func (h *Header) FixedAddressFlash() (uint32, bool) {
	return h.fixedFlash, h.fixedFlash != NoFixedAddress
}

func (h *Header) NumberWriteableFlashRegions() int { return len(h.writeable) }

// WriteableFlashRegion returns region i, or a zero region if i is out of range.
func (h *Header) WriteableFlashRegion(i int) WriteableFlashRegion {
	if i < 0 || i >= len(h.writeable) {
		return WriteableFlashRegion{}
	}
	return h.writeable[i]
}
