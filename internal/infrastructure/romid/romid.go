// Package romid loads cartridge images, raw or inside an archive, and reads
// the identity the hook registry is keyed by.
package romid

import (
	"errors"
	"fmt"
	"hash/crc32"
	"strings"

	"github.com/younwookim/linkplay/internal/domain/hook"
)

// Header layout of a GBA cartridge.
const (
	offTitle      = 0xa0
	offCode       = 0xac
	offRevision   = 0xbc
	offComplement = 0xbd
	headerEnd     = 0xc0
)

// Extensions are the image suffixes looked for inside archives.
var Extensions = []string{".gba", ".agb", ".bin"}

// ErrShortImage is returned for images smaller than the cartridge header.
var ErrShortImage = errors.New("image is smaller than the cartridge header")

// Identity is what a session needs to know about the loaded game.
type Identity struct {
	Title string
	ID    hook.GameID
	CRC32 uint32
	Size  int
	// HeaderOK reports whether the header complement byte matches.
	HeaderOK bool
}

func (i Identity) String() string {
	return fmt.Sprintf("%s %q crc32=%08x size=%d", i.ID, i.Title, i.CRC32, i.Size)
}

// Identify reads the cartridge header of img.
func Identify(img []byte) (Identity, error) {
	if len(img) < headerEnd {
		return Identity{}, ErrShortImage
	}
	var id Identity
	id.Title = strings.TrimRight(string(img[offTitle:offCode]), "\x00 ")
	copy(id.ID.Code[:], img[offCode:offCode+4])
	id.ID.Revision = img[offRevision]
	id.CRC32 = crc32.ChecksumIEEE(img)
	id.Size = len(img)
	id.HeaderOK = complement(img) == img[offComplement]
	return id, nil
}

// complement is the header check byte over 0xa0..0xbc.
func complement(img []byte) byte {
	var sum byte
	for _, b := range img[offTitle:offComplement] {
		sum += b
	}
	return -(sum + 0x19)
}

// Image is a loaded cartridge.
type Image struct {
	Name string
	Data []byte
	Identity
}

// Open loads path and identifies the image inside it.
func Open(path string) (*Image, error) {
	data, name, err := Load(path, Extensions)
	if err != nil {
		return nil, err
	}
	ident, err := Identify(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return &Image{Name: name, Data: data, Identity: ident}, nil
}

// Resolve picks the hook table for the image from reg.
func (img *Image) Resolve(reg *hook.Registry, mode hook.Mode) (*hook.Table, error) {
	return reg.Resolve(img.ID, img.CRC32, mode)
}
