package embedding

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"regexp"
	"strconv"
	"strings"
)

const npyMagic = "\x93NUMPY"

// ReadFile loads a single .npy file holding a float32 or float16 array. The
// array is flattened; a [1, 256, 1] tensor becomes a 256-element embedding.
func ReadFile(path string) (Embedding, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	e, err := readNpy(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return e, nil
}

// WriteFile stores e as a one-dimensional little-endian float32 .npy file.
func WriteFile(path string, e Embedding) error {
	var buf bytes.Buffer
	if err := writeNpy(&buf, e); err != nil {
		return err
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func writeNpy(w io.Writer, data []float32) error {
	header := fmt.Sprintf("{'descr': '<f4', 'fortran_order': False, 'shape': (%d,), }", len(data))
	// magic(6) + version(2) + header length(2) + header + '\n' must be a multiple of 64
	total := 10 + len(header) + 1
	if pad := total % 64; pad != 0 {
		header += strings.Repeat(" ", 64-pad)
	}
	header += "\n"

	if _, err := io.WriteString(w, npyMagic); err != nil {
		return err
	}
	if _, err := w.Write([]byte{1, 0}); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(len(header))); err != nil {
		return err
	}
	if _, err := io.WriteString(w, header); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, data)
}

var (
	descrRe   = regexp.MustCompile(`['"]descr['"]\s*:\s*['"]([^'"]+)['"]`)
	fortranRe = regexp.MustCompile(`['"]fortran_order['"]\s*:\s*(True|False)`)
	shapeRe   = regexp.MustCompile(`['"]shape['"]\s*:\s*\(([^)]*)\)`)
)

// npyHeader holds the fields of the header dictionary this package uses.
type npyHeader struct {
	descr string
	size  int
}

// parseNpyHeader accepts C-ordered little-endian float32 and float16 arrays
// of any shape. The element count is the product of the dimensions.
func parseNpyHeader(header string) (npyHeader, error) {
	var h npyHeader

	m := descrRe.FindStringSubmatch(header)
	if m == nil {
		return h, fmt.Errorf("header has no descr")
	}
	h.descr = m[1]
	switch h.descr {
	case "<f4", "<f2":
	case ">f4", ">f2":
		return h, fmt.Errorf("big-endian dtype %s is not supported", h.descr)
	default:
		return h, fmt.Errorf("unsupported dtype %s, want float32 or float16", h.descr)
	}

	m = fortranRe.FindStringSubmatch(header)
	if m == nil {
		return h, fmt.Errorf("header has no fortran_order")
	}
	if m[1] != "False" {
		return h, fmt.Errorf("fortran-ordered arrays are not supported")
	}

	m = shapeRe.FindStringSubmatch(header)
	if m == nil {
		return h, fmt.Errorf("header has no shape")
	}
	h.size = 1
	for _, dim := range strings.Split(m[1], ",") {
		dim = strings.TrimSpace(dim)
		if dim == "" {
			continue
		}
		n, err := strconv.Atoi(dim)
		if err != nil || n < 0 {
			return h, fmt.Errorf("invalid dimension %q in shape (%s)", dim, m[1])
		}
		h.size *= n
	}
	if h.size == 0 {
		return h, fmt.Errorf("embedding is empty")
	}
	return h, nil
}

// readNpy decodes one .npy stream into a flat embedding. Format versions 1.0,
// 2.0 and 3.0 are accepted; they differ only in the width of the header length.
func readNpy(r io.Reader) (Embedding, error) {
	prefix := make([]byte, len(npyMagic)+2)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return nil, fmt.Errorf("failed to read preamble: %w", err)
	}
	if string(prefix[:len(npyMagic)]) != npyMagic {
		return nil, fmt.Errorf("not a NumPy array file")
	}

	var headerLen int
	switch major := prefix[len(npyMagic)]; major {
	case 1:
		var n uint16
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, fmt.Errorf("failed to read header length: %w", err)
		}
		headerLen = int(n)
	case 2, 3:
		var n uint32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, fmt.Errorf("failed to read header length: %w", err)
		}
		headerLen = int(n)
	default:
		return nil, fmt.Errorf("unsupported format version %d", major)
	}

	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	h, err := parseNpyHeader(string(header))
	if err != nil {
		return nil, err
	}

	width := 4
	if h.descr == "<f2" {
		width = 2
	}
	raw := make([]byte, h.size*width)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("failed to read %d values: %w", h.size, err)
	}

	e := make(Embedding, h.size)
	for i := range e {
		if width == 2 {
			e[i] = float16ToFloat32(binary.LittleEndian.Uint16(raw[2*i:]))
		} else {
			e[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
		}
	}
	return e, nil
}

func float16ToFloat32(h uint16) float32 {
	sign := uint32((h >> 15) & 1)
	exp := uint32((h >> 10) & 0x1F)
	mant := uint32(h & 0x3FF)

	var f uint32
	switch {
	case exp == 0 && mant == 0:
		f = sign << 31
	case exp == 0:
		// subnormal: shift until the implicit bit appears
		e := int32(1)
		for (mant & 0x400) == 0 {
			mant <<= 1
			e--
		}
		mant &= 0x3FF
		f = (sign << 31) | uint32(e+127-15)<<23 | (mant << 13)
	case exp == 31 && mant == 0:
		f = (sign << 31) | 0x7F800000
	case exp == 31:
		f = (sign << 31) | 0x7FC00000 | (mant << 13)
	default:
		f = (sign << 31) | ((exp + 127 - 15) << 23) | (mant << 13)
	}

	return math.Float32frombits(f)
}
