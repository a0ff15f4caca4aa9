package refine

import (
	"math"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/kozaktomas/faceid/internal/backend"
)

const covarianceEpsilon = 1e-6

// stdFilter keeps encodings whose centroid distance is within threshold
// standard deviations of the mean distance.
func stdFilter(encodings [][]float32, threshold float64, b backend.Backend) ([]bool, []float64) {
	_, dists := centroidDistances(encodings, b)
	stats := ComputeStats(dists)

	mask := make([]bool, len(dists))
	for i, d := range dists {
		mask[i] = math.Abs(d-stats.MeanDist) < threshold*stats.StdDist
	}
	return mask, dists
}

// clusterFilter keeps encodings within clusterDist of the centroid. If fewer
// than clusterMin would remain, nothing is filtered: small sets carry too
// little signal to distinguish outliers from legitimate variation.
func clusterFilter(encodings [][]float32, clusterDist float64, clusterMin int, b backend.Backend) ([]bool, []float64) {
	_, dists := centroidDistances(encodings, b)

	mask := make([]bool, len(dists))
	kept := 0
	for i, d := range dists {
		if d < clusterDist {
			mask[i] = true
			kept++
		}
	}

	if kept < clusterMin {
		for i := range mask {
			mask[i] = true
		}
	}
	return mask, dists
}

// mahalanobisFilter keeps encodings whose Mahalanobis distance from the mean
// is below the threshold. Covariance needs more samples than dimensions to
// be stable; with fewer samples this falls back to the std filter with its
// default threshold.
func mahalanobisFilter(encodings [][]float32, threshold float64, defaults StdFallback, b backend.Backend, log zerolog.Logger) ([]bool, []float64) {
	n := len(encodings)
	dim := len(encodings[0])

	if n <= dim {
		log.Warn().
			Int("samples", n).
			Int("features", dim).
			Msg("not enough samples for mahalanobis covariance, falling back to std filter")
		return stdFilter(encodings, defaults.StdThreshold, b)
	}

	flat := make([]float64, 0, n*dim)
	for _, enc := range encodings {
		for _, v := range enc {
			flat = append(flat, float64(v))
		}
	}
	data := mat.NewDense(n, dim, flat)

	mean := make([]float64, dim)
	for j := 0; j < dim; j++ {
		col := mat.Col(nil, j, data)
		mean[j] = stat.Mean(col, nil)
	}

	cov := mat.NewSymDense(dim, nil)
	stat.CovarianceMatrix(cov, data, nil)
	for i := 0; i < dim; i++ {
		cov.SetSym(i, i, cov.At(i, i)+covarianceEpsilon)
	}

	var covInv mat.Dense
	if err := covInv.Inverse(cov); err != nil {
		log.Warn().Msg("singular covariance matrix, using pseudo-inverse")
		pseudoInverse(&covInv, cov)
	}

	dists := make([]float64, n)
	mask := make([]bool, n)
	diff := make([]float64, dim)
	tmp := mat.NewVecDense(dim, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < dim; j++ {
			diff[j] = data.At(i, j) - mean[j]
		}
		diffVec := mat.NewVecDense(dim, diff)
		tmp.MulVec(&covInv, diffVec)
		dists[i] = math.Sqrt(mat.Dot(diffVec, tmp))
		mask[i] = dists[i] < threshold
	}
	return mask, dists
}

// StdFallback carries the std-filter defaults used when a mode cannot run.
type StdFallback struct {
	StdThreshold float64
}

// pseudoInverse computes the Moore-Penrose pseudo-inverse via SVD.
func pseudoInverse(dst *mat.Dense, a mat.Matrix) {
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		r, c := a.Dims()
		dst.ReuseAs(c, r)
		return
	}

	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	values := svd.Values(nil)

	// Invert non-negligible singular values.
	sInv := mat.NewDense(len(values), len(values), nil)
	for i, s := range values {
		if s > 1e-12 {
			sInv.Set(i, i, 1/s)
		}
	}

	var tmp mat.Dense
	tmp.Mul(&v, sInv)
	dst.Mul(&tmp, u.T())
}
