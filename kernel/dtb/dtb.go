// Package dtb parses the firmware-supplied flattened device tree (FDT) and
// exposes the handful of facts the boot composer needs from it: the usable
// RAM range, the reserved sub-ranges inside it, the console UART's MMIO
// base, and the interrupt controller's version.
package dtb

import (
	"encoding/binary"

	"armkernel/kernel"
)

// Wire-format constants for FDT v17, big-endian throughout.
const (
	magic = 0xd00dfeed

	tokenBeginNode = 1
	tokenEndNode   = 2
	tokenProp      = 3
	tokenNop       = 4
	tokenEnd       = 9

	headerSize = 40

	// maxDepth bounds the node-nesting stack, maxReserved the number of
	// /reserved-memory children, maxAliases the number of /aliases
	// entries, and maxNodeRegs the number of distinct node reg[0] bases
	// tracked. Parse runs before pmm.Init/vmm.Init bring up a heap the Go
	// runtime can safely grow on this target, so every one of its working
	// sets is a fixed array indexed in place, the same discipline
	// kernel/mm/vma's node pool and kernel/sched's run queue use, rather
	// than a map or an append-grown slice.
	maxDepth    = 32
	maxReserved = 16
	maxAliases  = 16
	maxNodeRegs = 64
)

var (
	errBadMagic     = &kernel.Error{Module: "dtb", Message: "invalid FDT magic"}
	errTruncated    = &kernel.Error{Module: "dtb", Message: "truncated or malformed structure block"}
	errNoMemoryNode = &kernel.Error{Module: "dtb", Message: "no memory node found"}
)

// Region is a (base, size) physical address range, used both for the
// managed RAM region and for each /reserved-memory child.
type Region struct {
	Base uint64
	Size uint64
}

type aliasEntry struct {
	name, value string
}

type regEntry struct {
	path  string
	value uint64
}

// Info holds everything extracted from a single FDT blob.
type Info struct {
	Memory   Region
	Reserved []Region

	stdoutTok string
	gicV3Seen bool

	aliasBuf [maxAliases]aliasEntry
	aliasLen int

	nodeRegBuf [maxNodeRegs]regEntry
	nodeRegLen int

	reservedBuf [maxReserved]Region
	reservedLen int

	cellsBuf [maxDepth]cellSizes
	cellsLen int
}

// cellSizes holds the #address-cells/#size-cells a node declares for its
// own children, per the devicetree spec's cell-inheritance rule: a node's
// own reg property is decoded using the cells its *parent* declared, not
// its own. QEMU virt's root node leaves both at the devicetree default of
// two 32-bit cells each when it declares neither explicitly.
type cellSizes struct {
	addr, size uint32
}

var defaultCells = cellSizes{addr: 2, size: 2}

// be32 reads a big-endian uint32 at offset off.
func be32(fdt []byte, off uint32) uint32 {
	return binary.BigEndian.Uint32(fdt[off:])
}

func align4(x uint32) uint32 { return (x + 3) &^ 3 }

// cString returns the NUL-terminated string starting at off.
func cString(fdt []byte, off uint32) string {
	end := off
	for end < uint32(len(fdt)) && fdt[end] != 0 {
		end++
	}
	return string(fdt[off:end])
}

// Parse decodes the FDT blob in fdt and returns the extracted Info. fdt
// must contain at least the full structure and strings blocks described by
// its own header (callers typically overlay a []byte on top of the raw
// memory the boot register pointed at).
func Parse(fdt []byte) (*Info, error) {
	if len(fdt) < headerSize || be32(fdt, 0) != magic {
		return nil, errBadMagic
	}

	offStruct := be32(fdt, 8)
	offStrings := be32(fdt, 12)

	info := &Info{}

	var pathBuf [maxDepth]string
	pathLen := 0

	p := offStruct
	for {
		if p+4 > uint32(len(fdt)) {
			return nil, errTruncated
		}
		token := be32(fdt, p)
		p += 4

		switch token {
		case tokenBeginNode:
			name := cString(fdt, p)
			p = align4(p + uint32(len(name)) + 1)

			if pathLen >= maxDepth {
				return nil, errTruncated
			}
			pathBuf[pathLen] = name
			pathLen++

			parent := defaultCells
			if info.cellsLen > 0 {
				parent = info.cellsBuf[info.cellsLen-1]
			}
			if info.cellsLen >= maxDepth {
				return nil, errTruncated
			}
			info.cellsBuf[info.cellsLen] = parent
			info.cellsLen++

		case tokenEndNode:
			if pathLen == 0 {
				return nil, errTruncated
			}
			pathLen--
			info.cellsLen--

		case tokenProp:
			if p+8 > uint32(len(fdt)) {
				return nil, errTruncated
			}
			propLen := be32(fdt, p)
			nameOff := be32(fdt, p+4)
			p += 8
			if propLen > uint32(len(fdt)) || p+propLen > uint32(len(fdt)) {
				return nil, errTruncated
			}
			propName := cString(fdt, offStrings+nameOff)
			propData := fdt[p : p+propLen]

			info.observeProp(pathBuf[:pathLen], propName, propData)

			p = align4(p + propLen)

		case tokenNop:
			// no-op, nothing to skip

		case tokenEnd:
			return info.finish()

		default:
			return nil, errTruncated
		}
	}
}

// currentPath renders the absolute path of the node path is currently
// inside, e.g. {"", "soc", "serial@9000000"} -> "/soc/serial@9000000".
func currentPath(path []string) string {
	if len(path) <= 1 {
		return "/"
	}
	out := ""
	for _, seg := range path[1:] {
		out += "/" + seg
	}
	return out
}

func currentNodeName(path []string) string {
	if len(path) == 0 {
		return ""
	}
	return path[len(path)-1]
}

func (info *Info) observeProp(path []string, name string, data []byte) {
	// #address-cells/#size-cells govern this node's *children*, not this
	// node itself, and are recorded on this node's own cells-stack entry
	// (pushed when the node began) so those children see them once they
	// in turn become "current".
	switch name {
	case "#address-cells":
		if v, ok := decodeCellCount(data); ok {
			info.cellsBuf[info.cellsLen-1].addr = v
		}
		return
	case "#size-cells":
		if v, ok := decodeCellCount(data); ok {
			info.cellsBuf[info.cellsLen-1].size = v
		}
		return
	}

	nodePath := currentPath(path)
	nodeName := currentNodeName(path)

	// This node's own reg property is decoded using the cells its parent
	// declared for it, per the devicetree spec's inheritance rule.
	parentCells := defaultCells
	if info.cellsLen >= 2 {
		parentCells = info.cellsBuf[info.cellsLen-2]
	}

	switch name {
	case "reg":
		if v, ok := decodeRegAddress(data, parentCells); ok {
			info.setNodeReg(nodePath, v)
		}

	case "compatible":
		if containsToken(data, "arm,gic-v3") {
			info.gicV3Seen = true
		}

	case "stdout-path", "stdout":
		if nodeName == "chosen" {
			info.stdoutTok = extractPathToken(string(data))
		}
	}

	if nodeName == "aliases" {
		info.setAlias(name, extractPathToken(string(data)))
	}

	if (nodeName == "memory" || hasPrefix(nodeName, "memory@")) && name == "reg" {
		if base, size, ok := decodeRegEntry(data, parentCells); ok {
			info.Memory = Region{Base: base, Size: size}
		}
	}

	if firstParentIs(path, "reserved-memory") && name == "reg" {
		if base, size, ok := decodeRegEntry(data, parentCells); ok && info.reservedLen < maxReserved {
			info.reservedBuf[info.reservedLen] = Region{Base: base, Size: size}
			info.reservedLen++
		}
	}
}

// setAlias records an /aliases entry, overwriting any prior value for the
// same name.
func (info *Info) setAlias(name, value string) {
	for i := 0; i < info.aliasLen; i++ {
		if info.aliasBuf[i].name == name {
			info.aliasBuf[i].value = value
			return
		}
	}
	if info.aliasLen < maxAliases {
		info.aliasBuf[info.aliasLen] = aliasEntry{name: name, value: value}
		info.aliasLen++
	}
}

func (info *Info) alias(name string) (string, bool) {
	for i := 0; i < info.aliasLen; i++ {
		if info.aliasBuf[i].name == name {
			return info.aliasBuf[i].value, true
		}
	}
	return "", false
}

// setNodeReg records a node's reg[0] base address, overwriting any prior
// value for the same path.
func (info *Info) setNodeReg(path string, value uint64) {
	for i := 0; i < info.nodeRegLen; i++ {
		if info.nodeRegBuf[i].path == path {
			info.nodeRegBuf[i].value = value
			return
		}
	}
	if info.nodeRegLen < maxNodeRegs {
		info.nodeRegBuf[info.nodeRegLen] = regEntry{path: path, value: value}
		info.nodeRegLen++
	}
}

func (info *Info) nodeReg(path string) (uint64, bool) {
	for i := 0; i < info.nodeRegLen; i++ {
		if info.nodeRegBuf[i].path == path {
			return info.nodeRegBuf[i].value, true
		}
	}
	return 0, false
}

// firstParentIs reports whether the immediate parent of the current node
// (i.e. path[len(path)-2], since path's last element is the node itself)
// is named name.
func firstParentIs(path []string, name string) bool {
	if len(path) < 2 {
		return false
	}
	return path[len(path)-2] == name
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// extractPathToken strips a trailing ":options" or ",tag" suffix from a
// stdout-path / alias value, per the devicetree spec's stdout-path syntax.
func extractPathToken(v string) string {
	// data is NUL-terminated; cString-style trim.
	if i := indexByte(v, 0); i >= 0 {
		v = v[:i]
	}
	for i := 0; i < len(v); i++ {
		if v[i] == ':' || v[i] == ',' {
			return v[:i]
		}
	}
	return v
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

func containsToken(data []byte, token string) bool {
	s := string(data)
	tlen := len(token)
	for i := 0; i+tlen <= len(s); i++ {
		if s[i:i+tlen] == token {
			return true
		}
	}
	return false
}

// decodeCellCount decodes a #address-cells/#size-cells property, which is
// always a single 32-bit cell.
func decodeCellCount(data []byte) (uint32, bool) {
	if len(data) < 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(data[:4]), true
}

// cellValue reads b as a big-endian integer of however many bytes it holds
// (0, 4 or 8 in practice, per a one- or two-cell address/size field).
func cellValue(b []byte) uint64 {
	var v uint64
	for _, by := range b {
		v = v<<8 | uint64(by)
	}
	return v
}

// decodeRegAddress decodes just the base address of a reg property's first
// entry, sized by c.addr 32-bit cells. Used for node reg properties like a
// UART's MMIO base, where only the address (not any trailing size cells)
// is needed.
func decodeRegAddress(data []byte, c cellSizes) (uint64, bool) {
	addrBytes := int(c.addr) * 4
	if addrBytes == 0 || len(data) < addrBytes {
		return 0, false
	}
	return cellValue(data[:addrBytes]), true
}

// decodeRegEntry decodes the first (base, size) tuple of a reg property
// whose enclosing node declared c.addr address cells and c.size size
// cells, per the devicetree spec's #address-cells/#size-cells convention.
func decodeRegEntry(data []byte, c cellSizes) (base, size uint64, ok bool) {
	addrBytes := int(c.addr) * 4
	sizeBytes := int(c.size) * 4
	need := addrBytes + sizeBytes
	if addrBytes == 0 || need == 0 || len(data) < need {
		return 0, 0, false
	}
	base = cellValue(data[:addrBytes])
	size = cellValue(data[addrBytes:need])
	return base, size, true
}

func (info *Info) finish() (*Info, error) {
	if info.Memory.Size == 0 {
		return nil, errNoMemoryNode
	}
	// A slice view of reservedBuf, not an append-grown copy: Reserved
	// never outlives info, and reservedBuf never reallocates underneath it.
	info.Reserved = info.reservedBuf[:info.reservedLen]
	return info, nil
}

// StdoutUARTBase resolves /chosen's stdout-path (or stdout), following an
// alias indirection through /aliases if needed, and returns the target
// node's reg[0] base address.
func (info *Info) StdoutUARTBase() (uint64, bool) {
	if info.stdoutTok == "" {
		return 0, false
	}

	target := info.stdoutTok
	if len(target) == 0 || target[0] != '/' {
		resolved, ok := info.alias(target)
		if !ok {
			return 0, false
		}
		target = resolved
	}

	return info.nodeReg(target)
}

// GICVersion returns 3 if any node's compatible string matched
// "arm,gic-v3", else the GICv2 default.
func (info *Info) GICVersion() int {
	if info.gicV3Seen {
		return 3
	}
	return 2
}
