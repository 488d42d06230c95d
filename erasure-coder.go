package cloudraidfs

import (
	"encoding/binary"
	"fmt"
)

// gfPoly is the irreducible polynomial for GF(2^8): x^8 + x^4 + x^3 + x^2 + 1.
const gfPoly = 0x11D

// gfExp/gfLog are the standard log/antilog tables used to build the
// multiplication table in O(1) per lookup instead of O(log) per multiply.
var (
	gfExp [512]byte
	gfLog [256]byte
	gfMulTable [256][256]byte
)

func init() {
	x := 1
	for i := 0; i < 255; i++ {
		gfExp[i] = byte(x)
		gfLog[x] = byte(i)
		x <<= 1
		if x&0x100 != 0 {
			x ^= gfPoly
		}
	}
	for i := 255; i < 512; i++ {
		gfExp[i] = gfExp[i-255]
	}
	for a := 0; a < 256; a++ {
		for b := 0; b < 256; b++ {
			gfMulTable[a][b] = gfMulSlow(byte(a), byte(b))
		}
	}
}

func gfMulSlow(a, b byte) byte {
	if a == 0 || b == 0 {
		return 0
	}
	return gfExp[int(gfLog[a])+int(gfLog[b])]
}

func gfMul(a, b byte) byte {
	return gfMulTable[a][b]
}

// gfInv returns the multiplicative inverse of a nonzero field element
// from the log/antilog tables (0 maps to 0).
func gfInv(a byte) byte {
	if a == 0 {
		return 0
	}
	return gfExp[255-int(gfLog[a])]
}

// gfPow raises base to exp in GF(2^8).
func gfPow(base byte, exp int) byte {
	if base == 0 {
		if exp == 0 {
			return 1
		}
		return 0
	}
	logv := (int(gfLog[base]) * exp) % 255
	if logv < 0 {
		logv += 255
	}
	return gfExp[logv]
}

// ErasureCoder implements the (k+m) Reed-Solomon code over GF(2^8)
// described in the design: a Vandermonde encoding matrix of shape
// (k+m) x k, row r evaluated at point (r+1).
type ErasureCoder struct {
	k, m int
	matrix [][]byte // (k+m) x k
}

// NewErasureCoder builds the Vandermonde matrix for the given k, m.
func NewErasureCoder(k, m int) (*ErasureCoder, error) {
	if k <= 0 || m < 0 {
		return nil, fmt.Errorf("%w: k=%d m=%d", ErrInvalidParameters, k, m)
	}
	rows := k + m
	matrix := make([][]byte, rows)
	for r := 0; r < rows; r++ {
		matrix[r] = make([]byte, k)
		point := byte(r + 1)
		for c := 0; c < k; c++ {
			matrix[r][c] = gfPow(point, c)
		}
	}
	return &ErasureCoder{k: k, m: m, matrix: matrix}, nil
}

// K returns the number of data chunks.
func (e *ErasureCoder) K() int { return e.k }

// M returns the number of parity chunks.
func (e *ErasureCoder) M() int { return e.m }

// Encode splits data into k equal-length columns (zero-padded), produces
// k+m output chunks, and prepends the same 8-byte little-endian original
// length to every chunk (not just chunk 0), so that any surviving set of
// k chunks — regardless of which indices were lost — carries enough
// information to recover the original length. See the design notes on
// Open Question 1: replicating the prefix, rather than pinning it to a
// single chunk, is what makes an arbitrary m-chunk loss recoverable.
func (e *ErasureCoder) Encode(data []byte) ([][]byte, error) {
	k, m := e.k, e.m
	if k <= 0 || m < 0 {
		return nil, ErrInvalidParameters
	}
	origSize := len(data)
	l := ceilDiv(origSize, k)
	if l == 0 {
		l = 0
	}
	padded := make([]byte, k*l)
	copy(padded, data)

	chunks := make([][]byte, k+m)
	for r := 0; r < k+m; r++ {
		chunk := make([]byte, 8+l)
		binary.LittleEndian.PutUint64(chunk[:8], uint64(origSize))
		mrow := e.matrix[r]
		for b := 0; b < l; b++ {
			var acc byte
			for c := 0; c < k; c++ {
				acc ^= gfMul(mrow[c], padded[c*l+b])
			}
			chunk[8+b] = acc
		}
		chunks[r] = chunk
	}

	return chunks, nil
}

// Decode recovers the original payload from any k surviving chunks
// (indexed 0..k+m-1, with gaps represented as nil/empty slices). Every
// chunk carries its own copy of the 8-byte length prefix, so the
// original length is read from whichever surviving chunk happens to be
// first — the loss is tolerated regardless of which indices (including
// index 0) are the ones missing.
func (e *ErasureCoder) Decode(chunks [][]byte) ([]byte, error) {
	k := e.k
	if len(chunks) != k+e.m {
		return nil, fmt.Errorf("%w: expected %d chunks, got %d", ErrShortChunk, k+e.m, len(chunks))
	}

	valid := make([]int, 0, k)
	for i, c := range chunks {
		if len(c) > 0 {
			valid = append(valid, i)
		}
		if len(valid) == k {
			break
		}
	}
	if len(valid) < k {
		return nil, ErrInsufficient
	}

	var origSize int
	l := -1
	stripped := make([][]byte, k)
	for idx, ci := range valid {
		c := chunks[ci]
		if len(c) < 8 {
			return nil, ErrShortChunk
		}
		if idx == 0 {
			origSize = int(binary.LittleEndian.Uint64(c[:8]))
		}
		body := c[8:]
		if l == -1 {
			l = len(body)
		} else if len(body) != l {
			return nil, ErrShortChunk
		}
		stripped[idx] = body
	}
	if l < 0 {
		l = 0
	}

	// Build the k x k coefficient submatrix from the surviving rows.
	sub := make([][]byte, k)
	for r, ci := range valid {
		row := make([]byte, k)
		copy(row, e.matrix[ci])
		sub[r] = row
	}

	inv, err := gfInvertMatrix(sub)
	if err != nil {
		return nil, err
	}

	out := make([]byte, k*l)
	for b := 0; b < l; b++ {
		v := make([]byte, k)
		for r := 0; r < k; r++ {
			v[r] = stripped[r][b]
		}
		for i := 0; i < k; i++ {
			var acc byte
			row := inv[i]
			for j := 0; j < k; j++ {
				acc ^= gfMul(row[j], v[j])
			}
			out[i*l+b] = acc
		}
	}

	if origSize > len(out) {
		return nil, ErrShortChunk
	}
	return out[:origSize], nil
}

// gfInvertMatrix inverts a k x k matrix over GF(2^8) via Gauss-Jordan
// elimination with partial pivoting (row swap on a zero pivot). The
// distilled algorithm forbids pivoting; this implementation follows the
// design-notes recommendation instead, since the Vandermonde submatrix
// built from distinct evaluation points is never singular but a pivot
// search is strictly safer and costs nothing on the happy path.
func gfInvertMatrix(m [][]byte) ([][]byte, error) {
	n := len(m)
	aug := make([][]byte, n)
	for i := range m {
		aug[i] = make([]byte, 2*n)
		copy(aug[i], m[i])
		aug[i][n+i] = 1
	}

	for col := 0; col < n; col++ {
		pivot := -1
		for row := col; row < n; row++ {
			if aug[row][col] != 0 {
				pivot = row
				break
			}
		}
		if pivot == -1 {
			return nil, ErrSingular
		}
		aug[col], aug[pivot] = aug[pivot], aug[col]

		invPivot := gfInv(aug[col][col])
		for j := 0; j < 2*n; j++ {
			aug[col][j] = gfMul(aug[col][j], invPivot)
		}

		for row := 0; row < n; row++ {
			if row == col {
				continue
			}
			factor := aug[row][col]
			if factor == 0 {
				continue
			}
			for j := 0; j < 2*n; j++ {
				aug[row][j] ^= gfMul(factor, aug[col][j])
			}
		}
	}

	inv := make([][]byte, n)
	for i := range inv {
		inv[i] = make([]byte, n)
		copy(inv[i], aug[i][n:])
	}
	return inv, nil
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
