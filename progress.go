package upscale

import "math"

// ProgressFunc receives a percentage in [0, 100] for a single job.
type ProgressFunc func(percent int)

// BatchProgressFunc receives the overall percentage and the index of the
// image about to be processed out of total.
type BatchProgressFunc func(percent, current, total int)

// DownloadProgressFunc receives download progress for a model.
type DownloadProgressFunc func(model string, percent int)

// report calls fn if it is set.
func (fn ProgressFunc) report(percent int) {
	if fn != nil {
		fn(percent)
	}
}

// span maps a nested job's 0..100 progress into [lo, hi] of fn.
func (fn ProgressFunc) span(lo, hi int) ProgressFunc {
	if fn == nil {
		return nil
	}
	return func(p int) {
		fn(lo + p*(hi-lo)/100)
	}
}

// tileProgress turns completed tiles into percentages.
type tileProgress struct {
	done, total int
	fn          ProgressFunc
}

// step records one finished tile and reports done*100/total rounded to
// the nearest integer.
func (p *tileProgress) step() {
	p.done++
	p.fn.report(roundPercent(p.done, p.total))
}

func roundPercent(done, total int) int {
	if total <= 0 {
		return 100
	}
	pct := int(math.Round(float64(done) * 100 / float64(total)))
	return min(max(pct, 0), 100)
}
