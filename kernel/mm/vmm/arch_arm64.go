package vmm

// Enable programs MAIR_EL1 (device, normal-non-cacheable, normal-cacheable
// at indices 0/1/2), TCR_EL1 (T0SZ=T1SZ=16, both granules 4 KiB),
// TTBR0_EL1/TTBR1_EL1, and sets the MMU and cache enable bits in
// SCTLR_EL1, finishing with an instruction barrier. Implemented in
// assembly; there is no portable Go body for programming system
// registers.
func Enable(ttbr0, ttbr1 *[entriesPerTable]uint64)

// SwitchToHigherHalf adjusts PC and SP by the kernel's virtual-base
// offset using a PC-relative branch, so execution continues from the
// higher-half alias of the currently running code.
func SwitchToHigherHalf(offset uint64)

// TLBFlushAll invalidates every TLB entry for the current ASID (inner
// shareable).
func TLBFlushAll()

// TLBFlushPage invalidates the TLB entry for va's page.
func TLBFlushPage(va uint64)

// TLBFlushRange invalidates the TLB entries covering [va, va+size), page
// by page, followed by a data-synchronization and instruction barrier.
func TLBFlushRange(va, size uint64)

// CacheFlushRange cleans and invalidates the data cache lines covering
// [va, va+size), assuming a 64-byte line size.
func CacheFlushRange(va, size uint64)

// ICacheInvalidateRange invalidates the instruction cache lines covering
// [va, va+size).
func ICacheInvalidateRange(va, size uint64)
