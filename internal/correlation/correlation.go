// Package correlation turns independent standard normal draws into
// correlated per-asset shocks.
//
// Two transforms are supported:
//   - RowWeighted: Y[i] = Σ_j M[i][j]·Z[j]. The game's historical transform;
//     output variance is not 1.
//   - Cholesky: Y = L·Z where M = L·Lᵀ. Output has exactly the covariance M.
package correlation

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/econgames/odyssey-engine/internal/asset"
	"github.com/econgames/odyssey-engine/internal/rng"
)

var (
	ErrNotSquare           = errors.New("correlation: matrix is not square")
	ErrNotSymmetric        = errors.New("correlation: matrix is not symmetric")
	ErrBadDiagonal         = errors.New("correlation: diagonal entries must be 1")
	ErrOutOfRange          = errors.New("correlation: coefficient outside [-1, 1]")
	ErrNotPositiveDefinite = errors.New("correlation: matrix is not positive definite")
	ErrDimension           = errors.New("correlation: draw vector length does not match matrix")
	ErrUnknownMode         = errors.New("correlation: unknown mode")
)

const tolerance = 1e-9

// Mode selects the draw transform.
type Mode string

const (
	RowWeighted Mode = "row"
	Cholesky    Mode = "cholesky"
)

// ParseMode accepts "row", "row-weighted", "cholesky", or empty for the default.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "row", "row-weighted":
		return RowWeighted, nil
	case "cholesky":
		return Cholesky, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

// Matrix is a validated correlation matrix indexed by asset.
type Matrix struct {
	order []asset.Asset
	sym   *mat.SymDense
}

// NewMatrix validates rows and builds a Matrix whose row i belongs to order[i].
func NewMatrix(order []asset.Asset, rows [][]float64) (*Matrix, error) {
	n := len(order)
	if n == 0 || len(rows) != n {
		return nil, fmt.Errorf("%w: %d rows for %d assets", ErrNotSquare, len(rows), n)
	}
	for i, row := range rows {
		if len(row) != n {
			return nil, fmt.Errorf("%w: row %d has %d columns", ErrNotSquare, i, len(row))
		}
	}
	data := make([]float64, 0, n*n)
	for i, row := range rows {
		for j, v := range row {
			if v < -1 || v > 1 {
				return nil, fmt.Errorf("%w: [%d][%d] = %v", ErrOutOfRange, i, j, v)
			}
			if i == j && math.Abs(v-1) > tolerance {
				return nil, fmt.Errorf("%w: [%d][%d] = %v", ErrBadDiagonal, i, j, v)
			}
			if math.Abs(v-rows[j][i]) > tolerance {
				return nil, fmt.Errorf("%w: [%d][%d] != [%d][%d]", ErrNotSymmetric, i, j, j, i)
			}
		}
		data = append(data, row...)
	}
	ord := make([]asset.Asset, n)
	copy(ord, order)
	return &Matrix{order: ord, sym: mat.NewSymDense(n, data)}, nil
}

// Default returns the correlation matrix of the six game assets, in asset.Order.
func Default() *Matrix {
	m, err := NewMatrix(asset.Order, [][]float64{
		{1.0000, -0.5169, 0.3425, 0.0199, 0.1243, 0.4057},
		{-0.5169, 1.0000, 0.0176, 0.0289, -0.0235, -0.2259},
		{0.3425, 0.0176, 1.0000, -0.4967, -0.0334, 0.1559},
		{0.0199, 0.0289, -0.4967, 1.0000, 0.0995, -0.5343},
		{0.1243, -0.0235, -0.0334, 0.0995, 1.0000, 0.0436},
		{0.4057, -0.2259, 0.1559, -0.5343, 0.0436, 1.0000},
	})
	if err != nil {
		panic(err)
	}
	return m
}

// Order returns the asset order of the matrix rows.
func (m *Matrix) Order() []asset.Asset {
	out := make([]asset.Asset, len(m.order))
	copy(out, m.order)
	return out
}

// At returns the coefficient between a and b, or 0 if either is unknown.
func (m *Matrix) At(a, b asset.Asset) float64 {
	i, j := m.index(a), m.index(b)
	if i < 0 || j < 0 {
		return 0
	}
	return m.sym.At(i, j)
}

func (m *Matrix) index(a asset.Asset) int {
	for i, o := range m.order {
		if o == a {
			return i
		}
	}
	return -1
}

// Generator draws correlated shocks for every asset of a Matrix.
type Generator struct {
	matrix *Matrix
	mode   Mode
	chol   *mat.TriDense // lower factor, Cholesky mode only
}

// NewGenerator prepares a generator. Cholesky mode factors the matrix up
// front and fails with ErrNotPositiveDefinite if that is impossible.
func NewGenerator(m *Matrix, mode Mode) (*Generator, error) {
	g := &Generator{matrix: m, mode: mode}
	switch mode {
	case RowWeighted:
	case Cholesky:
		var ch mat.Cholesky
		if ok := ch.Factorize(m.sym); !ok {
			return nil, ErrNotPositiveDefinite
		}
		var l mat.TriDense
		ch.LTo(&l)
		g.chol = &l
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
	return g, nil
}

// Mode returns the transform in use.
func (g *Generator) Mode() Mode { return g.mode }

// Generate draws one standard normal per asset and returns the correlated
// shock for each.
func (g *Generator) Generate(src rng.Source) map[asset.Asset]float64 {
	z := make([]float64, len(g.matrix.order))
	for i := range z {
		z[i] = rng.Normal(src)
	}
	y, _ := g.Correlate(z)

	out := make(map[asset.Asset]float64, len(y))
	for i, a := range g.matrix.order {
		out[a] = y[i]
	}
	return out
}

// Correlate applies the transform to independent draws z, in matrix order.
func (g *Generator) Correlate(z []float64) ([]float64, error) {
	n := len(g.matrix.order)
	if len(z) != n {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimension, len(z), n)
	}
	zv := mat.NewVecDense(n, append([]float64(nil), z...))

	var y mat.VecDense
	if g.mode == Cholesky {
		y.MulVec(g.chol, zv)
	} else {
		y.MulVec(g.matrix.sym, zv)
	}

	out := make([]float64, n)
	for i := range out {
		out[i] = y.AtVec(i)
	}
	return out, nil
}
