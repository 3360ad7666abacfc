package upload

// ProgressFunc is called after every successful part with the number of
// parts uploaded so far and the estimated total. It must not block for long:
// it runs on the upload's goroutine.
type ProgressFunc func(partsDone, totalParts int)

// Progress is one progress report.
type Progress struct {
	PartsDone  int
	TotalParts int
}

// Fraction returns the completed share in [0, 1].
func (p Progress) Fraction() float64 {
	if p.TotalParts <= 0 {
		return 0
	}
	f := float64(p.PartsDone) / float64(p.TotalParts)
	if f > 1 {
		return 1
	}
	return f
}

// ProgressChannel adapts ch to a ProgressFunc. Reports are dropped when the
// receiver is not keeping up, so a slow reader never stalls the upload.
func ProgressChannel(ch chan<- Progress) ProgressFunc {
	return func(partsDone, totalParts int) {
		select {
		case ch <- Progress{PartsDone: partsDone, TotalParts: totalParts}:
		default:
		}
	}
}
