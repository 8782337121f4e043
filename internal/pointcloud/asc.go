package pointcloud

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/banshee-data/tilemerge/internal/fsutil"
)

// formatPrefix introduces the column list in an ASC header.
const formatPrefix = "Format:"

// maxLineBytes bounds a single ASC row; rows with many attribute columns
// exceed bufio.Scanner's 64KB default only in pathological files.
const maxLineBytes = 1 << 20

// ASCCodec reads and writes CloudCompare-compatible .asc text clouds.
// Files ending in .gz or .zst are transparently (de)compressed.
//
// Layout:
//
//	# any header comment (kept verbatim)
//	# Format: X Y Z PredInstance PredSemantic
//	1.5 2.0 0.3 4 1
//
// A "//X Y Z ..." line is accepted as the column header too. Without any
// column header the columns are X Y Z.
type ASCCodec struct {
	FS fsutil.FileSystem
}

// NewASCCodec returns a codec over fs; nil selects the OS filesystem.
func NewASCCodec(fs fsutil.FileSystem) *ASCCodec {
	if fs == nil {
		fs = fsutil.OSFileSystem{}
	}
	return &ASCCodec{FS: fs}
}

// ReadCloud loads path.
func (a *ASCCodec) ReadCloud(path string) (*Cloud, error) {
	f, err := a.FS.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	r, closeFn, err := decompress(path, f)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer closeFn()

	c, err := DecodeASC(r)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return c, nil
}

// WriteCloud persists c to path, creating parent directories.
func (a *ASCCodec) WriteCloud(path string, c *Cloud) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := a.FS.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create output dir: %w", err)
		}
	}

	f, err := a.FS.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	w, closeFn, err := compress(path, f)
	if err != nil {
		f.Close()
		return fmt.Errorf("create %s: %w", path, err)
	}

	if err := EncodeASC(w, c); err != nil {
		closeFn()
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := closeFn(); err != nil {
		f.Close()
		return fmt.Errorf("flush %s: %w", path, err)
	}
	return f.Close()
}

// commentText is the text of a raw "#" line after the marker and one
// following space. Other spacing is kept so the writer reproduces the line.
func commentText(raw string) string {
	raw = strings.TrimRight(strings.TrimLeft(raw, " \t"), "\r")
	raw = strings.TrimPrefix(raw, "#")
	return strings.TrimPrefix(raw, " ")
}

// DecodeASC parses an uncompressed ASC stream. Column names must be unique,
// ignoring case. A comment written without a space after "#" gains one when
// written back.
func DecodeASC(r io.Reader) (*Cloud, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)

	var (
		header  Header
		columns []string
		points  []Point
		values  [][]float64
		ix, iy  = -1, -1
		iz      = -1
		lineNo  int
	)

	setColumns := func(cols []string) error {
		if points != nil {
			return fmt.Errorf("line %d: column header after data rows", lineNo)
		}
		seen := make(map[string]bool, len(cols))
		for _, col := range cols {
			key := strings.ToUpper(col)
			if seen[key] {
				return fmt.Errorf("%w: line %d: duplicate column %q", ErrShapeMismatch, lineNo, col)
			}
			seen[key] = true
		}
		columns = cols
		ix, iy, iz = -1, -1, -1
		for i, col := range columns {
			switch strings.ToUpper(col) {
			case "X":
				ix = i
			case "Y":
				iy = i
			case "Z":
				iz = i
			}
		}
		if ix < 0 || iy < 0 || iz < 0 {
			return fmt.Errorf("%w: columns %v lack X, Y or Z", ErrAttributeMissing, columns)
		}
		return nil
	}

	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "//") {
			if err := setColumns(strings.Fields(strings.TrimPrefix(line, "//"))); err != nil {
				return nil, err
			}
			continue
		}
		if strings.HasPrefix(line, "#") {
			body := strings.TrimSpace(strings.TrimPrefix(line, "#"))
			if strings.HasPrefix(body, formatPrefix) {
				if err := setColumns(strings.Fields(strings.TrimPrefix(body, formatPrefix))); err != nil {
					return nil, err
				}
				continue
			}
			header.Comments = append(header.Comments, commentText(sc.Text()))
			continue
		}

		if columns == nil {
			if err := setColumns([]string{"X", "Y", "Z"}); err != nil {
				return nil, err
			}
		}
		if values == nil {
			values = make([][]float64, len(columns))
		}

		fields := strings.Fields(line)
		if len(fields) != len(columns) {
			return nil, fmt.Errorf("%w: line %d has %d fields, expected %d", ErrShapeMismatch, lineNo, len(fields), len(columns))
		}
		var p Point
		for i, field := range fields {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d column %s: %w", lineNo, columns[i], err)
			}
			switch i {
			case ix:
				p.X = v
			case iy:
				p.Y = v
			case iz:
				p.Z = v
			default:
				values[i] = append(values[i], v)
			}
		}
		points = append(points, p)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	c := NewCloud(header, points)
	for i, col := range columns {
		if i == ix || i == iy || i == iz {
			continue
		}
		var col64 []float64
		if values != nil {
			col64 = values[i]
		}
		if col64 == nil {
			col64 = []float64{}
		}
		if err := c.SetAttribute(col, col64); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// EncodeASC writes c as an uncompressed ASC stream.
func EncodeASC(w io.Writer, c *Cloud) error {
	bw := bufio.NewWriterSize(w, 256*1024)

	for _, comment := range c.Header.Comments {
		line := "#\n"
		if comment != "" {
			line = "# " + comment + "\n"
		}
		if _, err := bw.WriteString(line); err != nil {
			return err
		}
	}
	names := c.AttributeNames()
	if _, err := fmt.Fprintf(bw, "# %s %s\n", formatPrefix, strings.Join(append([]string{"X", "Y", "Z"}, names...), " ")); err != nil {
		return err
	}

	cols := make([][]float64, len(names))
	for i, name := range names {
		cols[i], _ = c.Attribute(name)
	}

	buf := make([]byte, 0, 128)
	for i, p := range c.Points {
		buf = buf[:0]
		buf = strconv.AppendFloat(buf, p.X, 'f', -1, 64)
		buf = append(buf, ' ')
		buf = strconv.AppendFloat(buf, p.Y, 'f', -1, 64)
		buf = append(buf, ' ')
		buf = strconv.AppendFloat(buf, p.Z, 'f', -1, 64)
		for _, col := range cols {
			buf = append(buf, ' ')
			buf = appendValue(buf, col[i])
		}
		buf = append(buf, '\n')
		if _, err := bw.Write(buf); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// appendValue writes integral values without a fractional part so label
// columns stay readable.
func appendValue(buf []byte, v float64) []byte {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.AppendInt(buf, int64(v), 10)
	}
	return strconv.AppendFloat(buf, v, 'f', -1, 64)
}

func decompress(path string, r io.Reader) (io.Reader, func(), error) {
	switch {
	case strings.HasSuffix(path, ".gz"):
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("gunzip: %w", err)
		}
		return gz, func() { gz.Close() }, nil
	case strings.HasSuffix(path, ".zst"):
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("zstd: %w", err)
		}
		return dec, dec.Close, nil
	default:
		return r, func() {}, nil
	}
}

func compress(path string, w io.Writer) (io.Writer, func() error, error) {
	switch {
	case strings.HasSuffix(path, ".gz"):
		gz := gzip.NewWriter(w)
		return gz, gz.Close, nil
	case strings.HasSuffix(path, ".zst"):
		enc, err := zstd.NewWriter(w)
		if err != nil {
			return nil, nil, fmt.Errorf("zstd: %w", err)
		}
		return enc, enc.Close, nil
	default:
		return w, func() error { return nil }, nil
	}
}

var (
	_ Reader = (*ASCCodec)(nil)
	_ Writer = (*ASCCodec)(nil)
)
