package kernels

import (
	"runtime"

	"github.com/sbl8/hostrt/threadpool"
)

// BatchSize is the number of float32 lanes processed together by the unrolled
// loops below.
func BatchSize() int {
	switch runtime.GOARCH {
	case "amd64":
		return 8
	case "arm64":
		return 4
	default:
		return 4
	}
}

// Map stores fn(src[i]) in dst[i]. dst and src may be the same slice.
func Map(dst, src []float32, fn func(float32) float32) {
	n := min(len(dst), len(src))
	i := 0
	for ; i+4 <= n; i += 4 {
		dst[i] = fn(src[i])
		dst[i+1] = fn(src[i+1])
		dst[i+2] = fn(src[i+2])
		dst[i+3] = fn(src[i+3])
	}
	for ; i < n; i++ {
		dst[i] = fn(src[i])
	}
}

// Add stores a[i]+b[i] in dst[i].
func Add(dst, a, b []float32) {
	n := min(len(dst), len(a), len(b))
	i := 0
	for ; i+4 <= n; i += 4 {
		dst[i] = a[i] + b[i]
		dst[i+1] = a[i+1] + b[i+1]
		dst[i+2] = a[i+2] + b[i+2]
		dst[i+3] = a[i+3] + b[i+3]
	}
	for ; i < n; i++ {
		dst[i] = a[i] + b[i]
	}
}

// Mul stores a[i]*b[i] in dst[i].
func Mul(dst, a, b []float32) {
	n := min(len(dst), len(a), len(b))
	i := 0
	for ; i+4 <= n; i += 4 {
		dst[i] = a[i] * b[i]
		dst[i+1] = a[i+1] * b[i+1]
		dst[i+2] = a[i+2] * b[i+2]
		dst[i+3] = a[i+3] * b[i+3]
	}
	for ; i < n; i++ {
		dst[i] = a[i] * b[i]
	}
}

// Dot returns the dot product of a and b.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range min(len(a), len(b)) {
		sum += a[i] * b[i]
	}
	return sum
}

// MatMulRows computes rows [lo, hi) of the m x n product of the m x k matrix a
// and the k x n matrix b into out. All matrices are row major.
func MatMulRows(out, a, b []float32, k, n, lo, hi int) {
	const block = 32
	for i := lo; i < hi; i++ {
		row := out[i*n : (i+1)*n]
		clear(row)
		for kk := 0; kk < k; kk += block {
			kEnd := min(kk+block, k)
			for p := kk; p < kEnd; p++ {
				av := a[i*k+p]
				brow := b[p*n : (p+1)*n]
				for j := range row {
					row[j] += av * brow[j]
				}
			}
		}
	}
}

// ParallelMap is Map split into tiles of tile elements and run on runner. The
// work is complete once the runner's done event resolves.
func ParallelMap(runner *threadpool.LoopRunner, dst, src []float32, tile uint64, fn func(float32) float32) {
	n := uint64(min(len(dst), len(src)))
	if n == 0 {
		return
	}
	if tile == 0 {
		tile = uint64(BatchSize()) * 1024
	}
	runner.Parallelize1DTile1D(n, tile, func(offset, extent uint64) {
		Map(dst[offset:offset+extent], src[offset:offset+extent], fn)
	})
}
