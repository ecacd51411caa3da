package cpu

// Udelay busy-waits for approximately us microseconds using the architected
// system counter. Used during early boot, before the timer IRQ path is
// live, to give slow peripherals (UART, GIC) time to settle.
func Udelay(us uint32) {
	freq := ReadCntfrq()
	start := ReadCntpct()
	delta := (uint64(us) * freq) / 1000000
	for ReadCntpct()-start < delta {
	}
}
