package addr

import "math/big"

// CidrToRange returns the inclusive [start, end] integer range a CIDR
// block covers. end = start + 2^(width-bits) - 1, where width is 32 for
// IPv4 and 128 for IPv6.
func CidrToRange(c Cidr) (start, end Address) {
	width := MaxMaskBits(c.Addr.Family)
	m := MaskFromBits(c.Addr.Family, c.Bits)
	s := c.Addr.Masked(m).toBig()

	blockSize := new(big.Int).Lsh(big.NewInt(1), uint(width-c.Bits))
	e := new(big.Int).Add(s, blockSize)
	e.Sub(e, big.NewInt(1))

	return fromBig(c.Addr.Family, s), fromBig(c.Addr.Family, e)
}

// RangeToCidrList greedily decomposes [start, end] into the minimal list
// of CIDR blocks that together cover exactly that inclusive range: at
// each step it takes the largest block aligned at `start` that does not
// cross `end`, then advances start past it.
func RangeToCidrList(start, end Address) []Cidr {
	if start.Family != end.Family {
		return nil
	}
	fam := start.Family
	width := MaxMaskBits(fam)

	s := start.toBig()
	e := end.toBig()
	if s.Cmp(e) > 0 {
		return nil
	}

	var out []Cidr
	one := big.NewInt(1)
	for s.Cmp(e) <= 0 {
		// maxBlock(start): largest power-of-two block for which start
		// is aligned, ie 1<<trailingZeroBits(start), capped at the
		// full address space when start == 0.
		alignBits := trailingZeroBits(s, width)

		// maxDiff(start, end): the largest power-of-two block that does
		// not cross end, ie the block must satisfy start+size-1 <= end.
		remaining := new(big.Int).Sub(e, s)
		remaining.Add(remaining, one) // end - start + 1
		diffBits := bitLenFloorLog2(remaining)

		sizeBits := alignBits
		if diffBits < sizeBits {
			sizeBits = diffBits
		}
		prefixLen := width - sizeBits

		out = append(out, Cidr{Addr: fromBig(fam, s), Bits: prefixLen})

		blockSize := new(big.Int).Lsh(one, uint(sizeBits))
		s.Add(s, blockSize)
	}
	return out
}

// trailingZeroBits returns the number of trailing zero bits of v within
// a `width`-bit value, capped at width (v == 0 is "aligned to anything",
// ie the whole address space).
func trailingZeroBits(v *big.Int, width int) int {
	if v.Sign() == 0 {
		return width
	}
	n := 0
	tmp := new(big.Int).Set(v)
	two := big.NewInt(2)
	for n < width {
		_, rem := new(big.Int).QuoRem(tmp, two, new(big.Int))
		if rem.Sign() != 0 {
			break
		}
		tmp.Rsh(tmp, 1)
		n++
	}
	return n
}

// bitLenFloorLog2 returns floor(log2(v)) for v >= 1, ie the largest n
// such that 2^n <= v.
func bitLenFloorLog2(v *big.Int) int {
	if v.Sign() <= 0 {
		return 0
	}
	return v.BitLen() - 1
}
