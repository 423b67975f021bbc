// Package analysis post-processes stored observation series.
//
// Observations are recorded once per accepted cycle, so with an adaptive
// step size the samples are not evenly spaced in time. [Resample] puts a
// series on a uniform grid whose length is a power of two, which is what
// [FFT] needs:
//
//	u, dt, err := analysis.Resample(times, values, 256)
//	ps, err := analysis.PowerSpectrum(u, dt)
//	f := ps.Dominant()
package analysis
