package policy

// driftScore computes a chi-squared style deviation between the observed
// mandate distribution and the expected distribution over categorical
// bins. Bins present only in observed contribute their full mass (a brand
// new spend category is maximal surprise for that bin).
func driftScore(observed, expected map[string]int64) float64 {
	if len(expected) == 0 || len(observed) == 0 {
		return 0
	}

	var obsTotal, expTotal int64
	for _, v := range observed {
		obsTotal += v
	}
	for _, v := range expected {
		expTotal += v
	}
	if obsTotal == 0 || expTotal == 0 {
		return 0
	}

	score := 0.0
	for bin, obs := range observed {
		o := float64(obs) / float64(obsTotal)
		e := float64(expected[bin]) / float64(expTotal)
		if e == 0 {
			score += o
			continue
		}
		d := o - e
		score += d * d / e
	}
	return score
}
