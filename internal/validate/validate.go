// Package validate classifies fetched tile payloads before they are stored.
package validate

import (
	"bytes"
	"compress/gzip"
	"crypto/md5"
	"encoding/hex"
	"image"
	"io"
	"strings"

	_ "image/gif"  // register GIF decoder for blank-tile detection
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder

	"github.com/paulmach/orb/encoding/mvt"
	_ "golang.org/x/image/webp" // register WebP decoder
)

// Class is the validation outcome for a payload.
type Class int

const (
	// Valid payloads are stored.
	Valid Class = iota
	// Empty payloads carry no information (blank tile); fallback advances.
	Empty
	// Invalid payloads are malformed; fallback advances.
	Invalid
)

func (c Class) String() string {
	switch c {
	case Valid:
		return "valid"
	case Empty:
		return "empty"
	case Invalid:
		return "invalid"
	}
	return "unknown"
}

const (
	minRasterSize = 16
	minVectorSize = 8
)

// transparentPNG is the canonical 1x1 fully transparent PNG many tile servers
// return for ocean or out-of-coverage tiles.
var transparentPNG = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a,
	0x00, 0x00, 0x00, 0x0d, 0x49, 0x48, 0x44, 0x52,
	0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4,
	0x89, 0x00, 0x00, 0x00, 0x0a, 0x49, 0x44, 0x41,
	0x54, 0x78, 0x9c, 0x63, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00,
	0x00, 0x00, 0x00, 0x49, 0x45, 0x4e, 0x44, 0xae,
	0x42, 0x60, 0x82,
}

// Validator classifies raster and vector tile payloads. It is stateless after
// construction and safe for concurrent use.
type Validator struct {
	fingerprints map[string]bool // hex MD5 of known blank payloads
}

// New creates a Validator. extraFingerprints are hex MD5 digests of payloads
// to treat as blank, on top of the builtin transparent-PNG entry.
func New(extraFingerprints []string) *Validator {
	v := &Validator{fingerprints: make(map[string]bool, len(extraFingerprints)+1)}
	v.fingerprints[fingerprint(transparentPNG)] = true
	for _, fp := range extraFingerprints {
		v.fingerprints[strings.ToLower(fp)] = true
	}
	return v
}

// Raster classifies a raster payload.
func (v *Validator) Raster(data []byte) Class {
	if v.isBlank(data) {
		return Empty
	}
	if len(data) < minRasterSize {
		return Invalid
	}
	if !HasRasterMagic(data) {
		return Invalid
	}
	if decodesFullyTransparent(data) {
		return Empty
	}
	return Valid
}

// Vector classifies a vector payload and returns the bytes to store, with
// gzip framing removed. Gzipped input is transparently decompressed.
func (v *Validator) Vector(data []byte) (Class, []byte) {
	if isGzip(data) {
		plain, err := gunzip(data)
		if err != nil {
			return Invalid, nil
		}
		data = plain
	}
	if v.isBlank(data) {
		return Empty, nil
	}
	if len(data) < minVectorSize {
		return Invalid, nil
	}

	// A structural parse is enough; full geometry decoding is not required.
	layers, err := mvt.Unmarshal(data)
	if err != nil {
		return Invalid, nil
	}
	if len(layers) == 0 {
		return Empty, nil
	}
	return Valid, data
}

func (v *Validator) isBlank(data []byte) bool {
	if len(data) == 0 {
		return true
	}
	if allZero(data) {
		return true
	}
	return v.fingerprints[fingerprint(data)]
}

// HasRasterMagic reports whether the payload starts with a recognized image
// signature (PNG, JPEG, WebP, GIF).
func HasRasterMagic(data []byte) bool {
	switch {
	case len(data) >= 4 && bytes.Equal(data[:4], []byte{0x89, 0x50, 0x4e, 0x47}):
		return true // PNG
	case len(data) >= 3 && bytes.Equal(data[:3], []byte{0xff, 0xd8, 0xff}):
		return true // JPEG
	case len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return true
	case len(data) >= 4 && bytes.Equal(data[:4], []byte("GIF8")):
		return true
	}
	return false
}

// decodesFullyTransparent reports whether the payload decodes to an image
// whose every pixel is fully transparent. Tile servers that do not use the
// canonical blank PNG still return such images for empty coverage. Payloads
// that fail to decode are left to the magic-byte verdict.
func decodesFullyTransparent(data []byte) bool {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return false
	}

	b := img.Bounds()
	// Sampling every pixel of a large tile is wasteful, so only a grid of
	// about 16x16 sample points is inspected; pixels between the sample
	// points are not looked at. The grid covers every pixel of images up to
	// 16x16 and catches the 256x256 transparent variant.
	stepX := max(1, b.Dx()/16)
	stepY := max(1, b.Dy()/16)
	for y := b.Min.Y; y < b.Max.Y; y += stepY {
		for x := b.Min.X; x < b.Max.X; x += stepX {
			_, _, _, a := img.At(x, y).RGBA()
			if a != 0 {
				return false
			}
		}
	}
	return true
}

func isGzip(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b
}

func gunzip(data []byte) ([]byte, error) {
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gr.Close()
	return io.ReadAll(gr)
}

func allZero(data []byte) bool {
	for _, b := range data {
		if b != 0 {
			return false
		}
	}
	return true
}

func fingerprint(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}
