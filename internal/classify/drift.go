package classify

import (
	"math"
	"sync"
)

const (
	driftBins    = 10
	driftEpsilon = 1e-4
)

// driftMonitor keeps a ring buffer of recent complexity scores and compares
// their distribution against a stored baseline using a population-stability-
// index divergence. Detection latches until an explicit recalibration so a
// single drift episode raises one alert, not one per sample.
type driftMonitor struct {
	mu            sync.Mutex
	values        []float64
	next          int
	filled        bool
	baseline      [driftBins]float64
	threshold     float64
	checkInterval int
	sinceCheck    int
	last          float64
	latched       bool
}

func newDriftMonitor(window int, threshold float64, checkInterval int) *driftMonitor {
	if window <= 0 {
		window = 256
	}
	if threshold <= 0 {
		threshold = 0.2
	}
	if checkInterval <= 0 {
		checkInterval = 32
	}
	m := &driftMonitor{
		values:        make([]float64, window),
		threshold:     threshold,
		checkInterval: checkInterval,
	}
	// Until the first recalibration the baseline is uniform over the bins.
	for i := range m.baseline {
		m.baseline[i] = 1.0 / driftBins
	}
	return m
}

// observe records one score and returns (psi, drifted) where drifted is true
// only on the first detection of a new drift episode.
func (m *driftMonitor) observe(score float64) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.values[m.next] = score
	m.next++
	if m.next >= len(m.values) {
		m.next = 0
		m.filled = true
	}

	m.sinceCheck++
	if m.sinceCheck < m.checkInterval || !m.filled {
		return m.last, false
	}
	m.sinceCheck = 0

	current := m.histogramLocked()
	psi := populationStabilityIndex(m.baseline, current)
	m.last = psi
	if psi > m.threshold && !m.latched {
		m.latched = true
		return psi, true
	}
	return psi, false
}

func (m *driftMonitor) recalibrate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.filled || m.next > 0 {
		m.baseline = m.histogramLocked()
	}
	m.latched = false
	m.last = 0
}

func (m *driftMonitor) lastPSI() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

func (m *driftMonitor) histogramLocked() [driftBins]float64 {
	n := m.next
	if m.filled {
		n = len(m.values)
	}
	var hist [driftBins]float64
	if n == 0 {
		return hist
	}
	for i := 0; i < n; i++ {
		b := int(m.values[i] * driftBins)
		if b >= driftBins {
			b = driftBins - 1
		}
		if b < 0 {
			b = 0
		}
		hist[b]++
	}
	for i := range hist {
		hist[i] /= float64(n)
	}
	return hist
}

// populationStabilityIndex computes sum((p-q)*ln(p/q)) with epsilon smoothing
// so sparse bins never divide by zero.
func populationStabilityIndex(baseline, current [driftBins]float64) float64 {
	psi := 0.0
	for i := 0; i < driftBins; i++ {
		p := current[i]
		q := baseline[i]
		if p < driftEpsilon {
			p = driftEpsilon
		}
		if q < driftEpsilon {
			q = driftEpsilon
		}
		psi += (p - q) * math.Log(p/q)
	}
	return psi
}
