package model

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"tdinvert/errs"
)

// SaveImage writes a dense image in the text format of spec §6: a header
// line "rows columns depth" followed by rows*columns floats in row-major
// order, whitespace/newline separated. rows is the grid height H,
// columns is the grid width W (matching img's row-major layout,
// img[row*W+col]).
func SaveImage(path string, img []float64, rows, columns int, depth float64) error {
	f, err := os.Create(path)
	if err != nil {
		return errs.IO(path, err)
	}
	defer f.Close()
	bw := bufio.NewWriter(f)
	if _, err := fmt.Fprintf(bw, "%d %d %s\n", rows, columns, strconv.FormatFloat(depth, 'g', -1, 64)); err != nil {
		return errs.IO(path, err)
	}
	for r := 0; r < rows; r++ {
		for c := 0; c < columns; c++ {
			if c > 0 {
				if err := bw.WriteByte(' '); err != nil {
					return errs.IO(path, err)
				}
			}
			if _, err := bw.WriteString(strconv.FormatFloat(img[r*columns+c], 'g', -1, 64)); err != nil {
				return errs.IO(path, err)
			}
		}
		if err := bw.WriteByte('\n'); err != nil {
			return errs.IO(path, err)
		}
	}
	return bw.Flush()
}

// LoadImage reads a dense image in the format SaveImage writes, skipping
// any leading lines that begin with '#', and returns the row-major
// buffer, its rows/columns, and the header depth.
func LoadImage(path string) (img []float64, rows, columns int, depth float64, err error) {
	f, oerr := os.Open(path)
	if oerr != nil {
		return nil, 0, 0, 0, errs.IO(path, oerr)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	for {
		b, perr := br.Peek(1)
		if perr != nil || b[0] != '#' {
			break
		}
		if _, rerr := br.ReadString('\n'); rerr != nil {
			break
		}
	}
	sc := bufio.NewScanner(br)
	sc.Buffer(make([]byte, 1<<20), 1<<24)
	sc.Split(bufio.ScanWords)

	next := func(want string) (string, error) {
		if !sc.Scan() {
			return "", errs.Validation("image", "%s: truncated %s", path, want)
		}
		return sc.Text(), nil
	}

	rowsTok, err := next("rows")
	if err != nil {
		return nil, 0, 0, 0, err
	}
	colsTok, err := next("columns")
	if err != nil {
		return nil, 0, 0, 0, err
	}
	depthTok, err := next("depth")
	if err != nil {
		return nil, 0, 0, 0, err
	}
	rows, rerr := strconv.Atoi(rowsTok)
	columns, cerr := strconv.Atoi(colsTok)
	depth, derr := strconv.ParseFloat(depthTok, 64)
	if rerr != nil || cerr != nil || derr != nil || rows <= 0 || columns <= 0 {
		return nil, 0, 0, 0, errs.Validation("image", "%s: bad header %q %q %q", path, rowsTok, colsTok, depthTok)
	}

	img = make([]float64, rows*columns)
	for i := range img {
		tok, err := next("value")
		if err != nil {
			return nil, 0, 0, 0, err
		}
		v, verr := strconv.ParseFloat(strings.TrimSpace(tok), 64)
		if verr != nil {
			return nil, 0, 0, 0, errs.Validation("image", "%s: bad value %q", path, tok)
		}
		img[i] = v
	}
	return img, rows, columns, depth, nil
}
