package analysis

import (
	"fmt"
	"math"
	"math/cmplx"
	"sort"

	"github.com/san-kum/cyclesim/internal/dynamo"
)

// FFT is a radix-2 transform. len(data) must be a power of two.
func FFT(data []float64) ([]complex128, error) {
	n := len(data)
	if n&(n-1) != 0 {
		return nil, dynamo.Configf("fft requires power of 2 length, got %d", n)
	}
	return fft(data), nil
}

func fft(data []float64) []complex128 {
	n := len(data)
	if n <= 1 {
		result := make([]complex128, n)
		for i := range data {
			result[i] = complex(data[i], 0)
		}
		return result
	}

	even := make([]float64, n/2)
	odd := make([]float64, n/2)
	for i := 0; i < n/2; i++ {
		even[i] = data[2*i]
		odd[i] = data[2*i+1]
	}
	feven := fft(even)
	fodd := fft(odd)

	result := make([]complex128, n)
	for k := 0; k < n/2; k++ {
		w := cmplx.Exp(complex(0, -2*math.Pi*float64(k)/float64(n)))
		result[k] = feven[k] + w*fodd[k]
		result[k+n/2] = feven[k] - w*fodd[k]
	}
	return result
}

// Spectrum is a one-sided amplitude spectrum. Freq[i] is in cycles per
// simulated second.
type Spectrum struct {
	Freq  []float64
	Power []float64
}

// PowerSpectrum transforms a uniformly sampled series with spacing dt. The
// mean is removed first so the zero bin does not swamp the rest.
func PowerSpectrum(data []float64, dt float64) (Spectrum, error) {
	if dt <= 0 {
		return Spectrum{}, dynamo.Configf("sample spacing must be positive, got %g", dt)
	}
	centered := make([]float64, len(data))
	mean := 0.0
	for _, v := range data {
		mean += v
	}
	mean /= float64(max(len(data), 1))
	for i, v := range data {
		centered[i] = v - mean
	}
	out, err := FFT(centered)
	if err != nil {
		return Spectrum{}, err
	}

	n := len(out)
	s := Spectrum{
		Freq:  make([]float64, n/2),
		Power: make([]float64, n/2),
	}
	for i := range s.Power {
		s.Freq[i] = float64(i) / (float64(n) * dt)
		s.Power[i] = cmplx.Abs(out[i])
	}
	return s, nil
}

// Dominant returns the frequency of the strongest non-zero bin, or 0 for a
// flat series.
func (s Spectrum) Dominant() float64 {
	best, f := 0.0, 0.0
	for i := 1; i < len(s.Power); i++ {
		if s.Power[i] > best {
			best, f = s.Power[i], s.Freq[i]
		}
	}
	return f
}

// Resample linearly interpolates (times, values) onto n evenly spaced points
// spanning the series and returns them with their spacing. Non-finite values
// are skipped. times must be increasing.
func Resample(times, values []float64, n int) ([]float64, float64, error) {
	if len(times) != len(values) {
		return nil, 0, fmt.Errorf("resample: %d times, %d values", len(times), len(values))
	}
	var ts, vs []float64
	for i := range times {
		if v := values[i]; !math.IsNaN(v) && !math.IsInf(v, 0) {
			ts = append(ts, times[i])
			vs = append(vs, values[i])
		}
	}
	if len(ts) < 2 || n < 2 {
		return nil, 0, dynamo.Configf("resample needs at least 2 finite samples and 2 points")
	}
	if !sort.Float64sAreSorted(ts) || ts[len(ts)-1] == ts[0] {
		return nil, 0, dynamo.Configf("resample: times must increase")
	}

	t0, t1 := ts[0], ts[len(ts)-1]
	dt := (t1 - t0) / float64(n-1)
	out := make([]float64, n)
	j := 0
	for i := range out {
		t := t0 + float64(i)*dt
		for j < len(ts)-2 && ts[j+1] < t {
			j++
		}
		a, b := ts[j], ts[j+1]
		w := 0.0
		if b > a {
			w = (t - a) / (b - a)
		}
		out[i] = vs[j] + w*(vs[j+1]-vs[j])
	}
	return out, dt, nil
}

// NextPow2 is the smallest power of two >= n.
func NextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
