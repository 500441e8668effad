package romid

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bodgit/sevenzip"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/nwaples/rardecode/v2"
)

var (
	magicZIP    = []byte{0x50, 0x4b, 0x03, 0x04}
	magicZIPEnd = []byte{0x50, 0x4b, 0x05, 0x06}
	magic7z     = []byte{0x37, 0x7a, 0xbc, 0xaf, 0x27, 0x1c}
	magicGzip   = []byte{0x1f, 0x8b}
	magicRAR    = []byte{0x52, 0x61, 0x72, 0x21}
)

// 32 MiB is the largest cartridge the bus can map.
const maxImageSize = 32 << 20

var (
	// ErrNoImage is returned when an archive holds no image file.
	ErrNoImage = errors.New("no image found in archive")
	// ErrUnsupportedFormat is returned for unrecognized files.
	ErrUnsupportedFormat = errors.New("unsupported file format")
	// ErrTooLarge is returned when an image exceeds maxImageSize.
	ErrTooLarge = errors.New("image exceeds maximum size")
)

type format int

const (
	formatUnknown format = iota
	formatRaw
	formatZIP
	format7z
	formatGzip
	formatRAR
)

// Load reads an image from path. Archives are detected by magic bytes and
// the first member matching extensions is returned along with its base name.
func Load(path string, extensions []string) ([]byte, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	header := make([]byte, 16)
	n, err := f.Read(header)
	if err != nil && err != io.EOF {
		return nil, "", fmt.Errorf("failed to read file header: %w", err)
	}
	header = header[:n]

	switch detect(header, path, extensions) {
	case formatRaw:
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return nil, "", fmt.Errorf("failed to seek file: %w", err)
		}
		data, err := limitedRead(f)
		if err != nil {
			return nil, "", fmt.Errorf("failed to read image: %w", err)
		}
		return data, filepath.Base(path), nil
	case formatZIP:
		return fromZIP(path, extensions)
	case format7z:
		return from7z(path, extensions)
	case formatGzip:
		return fromGzip(path, extensions)
	case formatRAR:
		return fromRAR(path, extensions)
	default:
		return nil, "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
}

func detect(header []byte, path string, extensions []string) format {
	switch {
	case bytes.HasPrefix(header, magicZIP), bytes.HasPrefix(header, magicZIPEnd):
		return formatZIP
	case bytes.HasPrefix(header, magicRAR):
		return formatRAR
	case bytes.HasPrefix(header, magic7z):
		return format7z
	case bytes.HasPrefix(header, magicGzip):
		return formatGzip
	}

	lower := strings.ToLower(path)
	switch filepath.Ext(lower) {
	case ".zip":
		return formatZIP
	case ".7z":
		return format7z
	case ".gz", ".tgz":
		return formatGzip
	case ".rar":
		return formatRAR
	}
	if hasExtension(lower, extensions) {
		return formatRaw
	}
	return formatUnknown
}

func hasExtension(name string, extensions []string) bool {
	lower := strings.ToLower(name)
	for _, ext := range extensions {
		if strings.HasSuffix(lower, strings.ToLower(ext)) {
			return true
		}
	}
	return false
}

func limitedRead(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxImageSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxImageSize {
		return nil, ErrTooLarge
	}
	return data, nil
}

func fromZIP(path string, extensions []string) ([]byte, string, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open zip: %w", err)
	}
	defer r.Close()

	for _, f := range r.File {
		if f.FileInfo().IsDir() || !hasExtension(f.Name, extensions) {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, "", fmt.Errorf("failed to open %s in archive: %w", f.Name, err)
		}
		data, err := limitedRead(rc)
		rc.Close()
		if err != nil {
			return nil, "", fmt.Errorf("failed to read %s: %w", f.Name, err)
		}
		return data, filepath.Base(f.Name), nil
	}
	return nil, "", ErrNoImage
}

func from7z(path string, extensions []string) ([]byte, string, error) {
	r, err := sevenzip.OpenReader(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open 7z: %w", err)
	}
	defer r.Close()

	for _, f := range r.File {
		if f.FileInfo().IsDir() || !hasExtension(f.Name, extensions) {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, "", fmt.Errorf("failed to open %s in archive: %w", f.Name, err)
		}
		data, err := limitedRead(rc)
		rc.Close()
		if err != nil {
			return nil, "", fmt.Errorf("failed to read %s: %w", f.Name, err)
		}
		return data, filepath.Base(f.Name), nil
	}
	return nil, "", ErrNoImage
}

func fromRAR(path string, extensions []string) ([]byte, string, error) {
	r, err := rardecode.OpenReader(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open rar: %w", err)
	}
	defer r.Close()

	for {
		h, err := r.Next()
		if err == io.EOF {
			return nil, "", ErrNoImage
		}
		if err != nil {
			return nil, "", fmt.Errorf("failed to read rar entry: %w", err)
		}
		if h.IsDir || !hasExtension(h.Name, extensions) {
			continue
		}
		data, err := limitedRead(r)
		if err != nil {
			return nil, "", fmt.Errorf("failed to read %s: %w", h.Name, err)
		}
		return data, filepath.Base(h.Name), nil
	}
}

// fromGzip handles both a gzipped image and a gzipped tar.
func fromGzip(path string, extensions []string) ([]byte, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open gzip: %w", err)
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gr.Close()

	lower := strings.ToLower(path)
	if strings.HasSuffix(lower, ".tar.gz") || strings.HasSuffix(lower, ".tgz") {
		return fromTar(gr, extensions)
	}

	data, err := limitedRead(gr)
	if err != nil {
		return nil, "", fmt.Errorf("failed to decompress gzip: %w", err)
	}
	name := filepath.Base(path)
	if strings.HasSuffix(strings.ToLower(name), ".gz") {
		name = name[:len(name)-3]
	}
	return data, name, nil
}

func fromTar(r io.Reader, extensions []string) ([]byte, string, error) {
	tr := tar.NewReader(r)
	for {
		h, err := tr.Next()
		if err == io.EOF {
			return nil, "", ErrNoImage
		}
		if err != nil {
			return nil, "", fmt.Errorf("failed to read tar entry: %w", err)
		}
		if h.Typeflag != tar.TypeReg || !hasExtension(h.Name, extensions) {
			continue
		}
		data, err := limitedRead(tr)
		if err != nil {
			return nil, "", fmt.Errorf("failed to read %s from tar: %w", h.Name, err)
		}
		return data, filepath.Base(h.Name), nil
	}
}
