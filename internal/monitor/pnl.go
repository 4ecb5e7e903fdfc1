package monitor

// defaultFeeRate is the taker fee assumed when a venue does not report the
// actual fee on a fill (0.1%).
const defaultFeeRate = 0.001

// NetPnL computes the realized profit of a round trip, net of fees on both
// sides. The percentage is relative to the entry value excluding fees.
func NetPnL(entryValue, entryFee, exitValue, exitFee float64) (usdt, percent float64) {
	usdt = (exitValue - exitFee) - (entryValue + entryFee)
	if entryValue > 0 {
		percent = usdt / entryValue * 100
	}
	return usdt, percent
}

// EstimateFee returns the actual fee when the venue reported one, falling
// back to the default taker rate applied to the traded value.
func EstimateFee(value, actual float64) float64 {
	if actual > 0 {
		return actual
	}
	return value * defaultFeeRate
}
