package handler

// Reporter receives the overall progress of an increment as a fraction
// in [0, 1]. It is called from inside the store transaction and must not
// block.
type Reporter interface {
	Report(fraction float64)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(fraction float64)

// Report calls f.
func (f ReporterFunc) Report(fraction float64) { f(fraction) }

// progress maps the local completion of one step onto the overall
// fraction. A step covers [base, base+span] of the whole.
type progress struct {
	rep  Reporter
	base float64
	span float64
	done float64
}

func newProgress(rep Reporter) *progress {
	return &progress{rep: rep, span: 1}
}

// sub returns the child step covering the next weight of this step.
func (p *progress) sub(weight float64) *progress {
	return &progress{rep: p.rep, base: p.base + p.done*p.span, span: p.span * weight}
}

// advance marks another weight of this step as complete.
func (p *progress) advance(weight float64) {
	p.done += weight
	p.report(p.done)
}

// item reports that i of n items of this step are complete.
func (p *progress) item(i, n int) {
	if n == 0 {
		return
	}

	p.report(float64(i) / float64(n))
}

func (p *progress) report(local float64) {
	if p.rep == nil {
		return
	}

	f := p.base + min(max(local, 0), 1)*p.span
	p.rep.Report(min(f, 1))
}
