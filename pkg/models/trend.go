// Package models fits the trend model relating per-zone monthly energy to the
// estimated monthly total.
//
// The model is an ordinary least-squares linear fit:
//
//	total_kwh_est ≈ wA·zone_A_kwh + wB·zone_B_kwh + wC·zone_C_kwh + b
//
// Because total_kwh_est is defined as the zone sum, a fit over enough months
// recovers w = (1, 1, 1) and b = 0. The model is therefore a consistency
// check on the published table rather than a predictor, and nothing in the
// billing path depends on it.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/HatiCode/voltcast/pkg/aggregate"
)

// MinRows is the number of monthly rows required to fit a trend.
const MinRows = 2

// Features names the model inputs in weight order.
var Features = [3]string{"zone_A_kwh", "zone_B_kwh", "zone_C_kwh"}

// InsufficientDataError is returned by Fit when the table has too few rows.
type InsufficientDataError struct {
	Rows int
	Need int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data: %d monthly rows, need at least %d", e.Rows, e.Need)
}

// TrendModel is a fitted coefficient set. It is written once by the
// pipeline and treated as read-only afterwards.
type TrendModel struct {
	Weights   [3]float64 `json:"weights"`
	Intercept float64    `json:"intercept"`

	// Rows is the number of monthly rows the model was fitted on.
	Rows int `json:"rows"`

	RunID    string    `json:"run_id,omitempty"`
	FittedAt time.Time `json:"fitted_at,omitzero"`
}

// Name returns the model identifier.
func (m TrendModel) Name() string {
	return "ols-zones"
}

// Predict returns the estimated monthly total for the given zone energies.
func (m TrendModel) Predict(zoneA, zoneB, zoneC float64) float64 {
	return m.Weights[0]*zoneA + m.Weights[1]*zoneB + m.Weights[2]*zoneC + m.Intercept
}

// Fit computes the least-squares trend over months.
//
// Algorithm:
//  1. Centre the zone columns and the target on their means
//  2. Build the 3×3 normal matrix XᵀX and the vector Xᵀy
//  3. Eigendecompose XᵀX (Jacobi rotations) and apply its pseudo-inverse,
//     discarding eigenvalues below a relative tolerance
//  4. Intercept = ȳ − w·x̄
//
// Step 3 yields the minimum-norm solution, so rank-deficient tables (few
// rows, or a zone that never varies) still produce a well-defined model.
func Fit(months []aggregate.Month) (TrendModel, error) {
	n := len(months)
	if n < MinRows {
		return TrendModel{}, &InsufficientDataError{Rows: n, Need: MinRows}
	}

	var meanX [3]float64
	var meanY float64
	for _, m := range months {
		x := zones(m)
		for j := range x {
			meanX[j] += x[j]
		}
		meanY += m.TotalKWhEst()
	}
	for j := range meanX {
		meanX[j] /= float64(n)
	}
	meanY /= float64(n)

	var xtx [3][3]float64
	var xty [3]float64
	for _, m := range months {
		x := zones(m)
		y := m.TotalKWhEst() - meanY
		for i := 0; i < 3; i++ {
			xi := x[i] - meanX[i]
			xty[i] += xi * y
			for j := 0; j < 3; j++ {
				xtx[i][j] += xi * (x[j] - meanX[j])
			}
		}
	}

	w, err := solvePseudoInverse(xtx, xty)
	if err != nil {
		return TrendModel{}, err
	}

	intercept := meanY
	for j := range w {
		intercept -= w[j] * meanX[j]
	}

	return TrendModel{
		Weights:   w,
		Intercept: intercept,
		Rows:      n,
	}, nil
}

func zones(m aggregate.Month) [3]float64 {
	return [3]float64{m.ZoneAKWh, m.ZoneBKWh, m.ZoneCKWh}
}

// solvePseudoInverse returns A⁺b for a symmetric positive semi-definite A.
func solvePseudoInverse(a [3][3]float64, b [3]float64) ([3]float64, error) {
	values, vectors, err := jacobiEigen(a)
	if err != nil {
		return [3]float64{}, err
	}

	maxValue := 0.0
	for _, v := range values {
		maxValue = math.Max(maxValue, math.Abs(v))
	}
	cutoff := maxValue * 1e-10

	var w [3]float64
	for k := 0; k < 3; k++ {
		if maxValue == 0 || math.Abs(values[k]) <= cutoff {
			continue
		}
		// projection of b on eigenvector k
		proj := 0.0
		for i := 0; i < 3; i++ {
			proj += vectors[i][k] * b[i]
		}
		scale := proj / values[k]
		for i := 0; i < 3; i++ {
			w[i] += scale * vectors[i][k]
		}
	}
	return w, nil
}

// jacobiEigen diagonalises a symmetric 3×3 matrix with cyclic Jacobi
// rotations. Eigenvectors are returned as the columns of the second result.
func jacobiEigen(a [3][3]float64) ([3]float64, [3][3]float64, error) {
	const maxSweeps = 100

	v := [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}

	norm := 0.0
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			norm += a[i][j] * a[i][j]
		}
	}

	for sweep := 0; sweep < maxSweeps; sweep++ {
		off := 0.0
		for p := 0; p < 3; p++ {
			for q := p + 1; q < 3; q++ {
				off += a[p][q] * a[p][q]
			}
		}
		if off <= 1e-24*norm {
			return [3]float64{a[0][0], a[1][1], a[2][2]}, v, nil
		}

		for p := 0; p < 2; p++ {
			for q := p + 1; q < 3; q++ {
				if a[p][q] == 0 {
					continue
				}
				theta := (a[q][q] - a[p][p]) / (2 * a[p][q])
				t := 1 / (math.Abs(theta) + math.Sqrt(theta*theta+1))
				if theta < 0 {
					t = -t
				}
				c := 1 / math.Sqrt(t*t+1)
				s := t * c

				for k := 0; k < 3; k++ {
					akp, akq := a[k][p], a[k][q]
					a[k][p] = c*akp - s*akq
					a[k][q] = s*akp + c*akq
				}
				for k := 0; k < 3; k++ {
					apk, aqk := a[p][k], a[q][k]
					a[p][k] = c*apk - s*aqk
					a[q][k] = s*apk + c*aqk
				}
				for k := 0; k < 3; k++ {
					vkp, vkq := v[k][p], v[k][q]
					v[k][p] = c*vkp - s*vkq
					v[k][q] = s*vkp + c*vkq
				}
			}
		}
	}

	return [3]float64{}, v, errors.New("eigendecomposition did not converge")
}

type artifact struct {
	Model     string     `json:"model"`
	Features  [3]string  `json:"features"`
	Weights   [3]float64 `json:"weights"`
	Intercept float64    `json:"intercept"`
	Rows      int        `json:"rows"`
	RunID     string     `json:"run_id,omitempty"`
	FittedAt  time.Time  `json:"fitted_at,omitzero"`
}

// Encode writes m as a JSON artifact.
func Encode(w io.Writer, m TrendModel) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(artifact{
		Model:     m.Name(),
		Features:  Features,
		Weights:   m.Weights,
		Intercept: m.Intercept,
		Rows:      m.Rows,
		RunID:     m.RunID,
		FittedAt:  m.FittedAt,
	}); err != nil {
		return fmt.Errorf("encode trend model: %w", err)
	}
	return nil
}

// Decode reads an artifact written by Encode.
func Decode(r io.Reader) (TrendModel, error) {
	var a artifact
	if err := json.NewDecoder(r).Decode(&a); err != nil {
		return TrendModel{}, fmt.Errorf("decode trend model: %w", err)
	}
	if a.Features != Features {
		return TrendModel{}, fmt.Errorf("decode trend model: unexpected features %v", a.Features)
	}
	return TrendModel{
		Weights:   a.Weights,
		Intercept: a.Intercept,
		Rows:      a.Rows,
		RunID:     a.RunID,
		FittedAt:  a.FittedAt,
	}, nil
}
