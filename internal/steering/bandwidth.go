package steering

import (
	"sort"
	"strconv"
	"time"
)

// bandwidthNoiseFloor is the default bits/s average below which outlier
// clamping is suppressed; startup samples on an idle link are too noisy
// to judge.
const bandwidthNoiseFloor = 128 * 1024

// bandwidthTracker keeps a short moving average of observed bandwidth
// for one CDN.
type bandwidthTracker struct {
	samples  []int64
	lastUsed time.Time
}

func (t *bandwidthTracker) average() int64 {
	if len(t.samples) == 0 {
		return 0
	}
	var sum int64
	for _, s := range t.samples {
		sum += s
	}
	return sum / int64(len(t.samples))
}

func (t *bandwidthTracker) add(bps int64, window int, noiseFloor int64) {
	avg := t.average()
	// Once a believable average exists, a sample more than three times
	// above it is a cache hit or burst, not link capacity.
	if avg > noiseFloor && bps > 3*avg {
		return
	}
	t.samples = append(t.samples, bps)
	if len(t.samples) > window {
		t.samples = t.samples[len(t.samples)-window:]
	}
}

func (h *Handler) recordBandwidthLocked(cdn string, bps int64) {
	h.expireBandwidthLocked()

	window := h.cfg.BandwidthWindow
	if window < 1 {
		window = 5
	}
	noiseFloor := h.cfg.BandwidthNoiseFloor
	if noiseFloor <= 0 {
		noiseFloor = bandwidthNoiseFloor
	}

	t := h.bandwidth[cdn]
	if t == nil {
		t = &bandwidthTracker{}
		h.bandwidth[cdn] = t
	}
	t.add(bps, window, noiseFloor)
	t.lastUsed = h.now()
}

func (h *Handler) averageBandwidthLocked(cdn string) int64 {
	h.expireBandwidthLocked()
	t := h.bandwidth[cdn]
	if t == nil {
		return 0
	}
	return t.average()
}

// observedCDNsLocked returns the CDNs with a live bandwidth entry and
// their averages, in stable order.
func (h *Handler) observedCDNsLocked() (cdns, throughputs []string) {
	h.expireBandwidthLocked()
	for cdn := range h.bandwidth {
		cdns = append(cdns, cdn)
	}
	sort.Strings(cdns)
	throughputs = make([]string, len(cdns))
	for i, cdn := range cdns {
		throughputs[i] = strconv.FormatInt(h.bandwidth[cdn].average(), 10)
	}
	return cdns, throughputs
}

func (h *Handler) expireBandwidthLocked() {
	expiry := h.cfg.BandwidthExpiry
	if expiry <= 0 {
		return
	}
	cutoff := h.now().Add(-expiry)
	for cdn, t := range h.bandwidth {
		if t.lastUsed.Before(cutoff) {
			delete(h.bandwidth, cdn)
		}
	}
}
