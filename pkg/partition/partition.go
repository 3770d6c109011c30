// Package partition splits a fetch domain into disjoint contiguous ranges,
// one per concurrent worker.
package partition

import (
	"fmt"
)

// Domain is the overall interval to fetch, in domain units: record offsets
// for offset pagination, epoch milliseconds for time pagination. Half-open
// [Start, End); Start <= End.
type Domain struct {
	Start int64
	End   int64
}

// Size returns the width of the domain.
func (d Domain) Size() int64 {
	return d.End - d.Start
}

// Range is one partitioner-produced slice of a Domain. Half-open
// [Start, End). Ranges produced by one Split call are pairwise disjoint
// and their union exactly equals the input domain.
type Range struct {
	Index int
	Start int64
	End   int64
}

// Size returns the width of the range.
func (r Range) Size() int64 {
	return r.End - r.Start
}

// Split divides a record-offset domain into at most p nearly-equal
// contiguous ranges. When the domain holds fewer pages than p at the given
// page size, the effective concurrency shrinks to ceil(size/maxPageSize)
// so that no worker is left with an empty range. A zero-width domain
// yields zero ranges.
func Split(d Domain, p int, maxPageSize int64) ([]Range, error) {
	if err := validate(d, p); err != nil {
		return nil, err
	}
	if maxPageSize < 1 {
		return nil, fmt.Errorf("max page size must be >= 1 (got %d)", maxPageSize)
	}

	size := d.Size()
	if size == 0 {
		return nil, nil
	}

	n := int64(p)
	if pages := (size + maxPageSize - 1) / maxPageSize; pages < n {
		n = pages
	}
	return splitEven(d, n), nil
}

// SplitTime divides a millisecond time interval into at most p nearly-equal
// contiguous ranges. A zero-width interval yields zero ranges.
func SplitTime(d Domain, p int) ([]Range, error) {
	if err := validate(d, p); err != nil {
		return nil, err
	}

	size := d.Size()
	if size == 0 {
		return nil, nil
	}

	n := int64(p)
	if size < n {
		// Never produce empty millisecond slices.
		n = size
	}
	return splitEven(d, n), nil
}

// splitEven cuts d into n contiguous ranges; the first size%n ranges are
// one unit wider so the union is exact.
func splitEven(d Domain, n int64) []Range {
	size := d.Size()
	base := size / n
	rem := size % n

	ranges := make([]Range, 0, n)
	cursor := d.Start
	for i := int64(0); i < n; i++ {
		width := base
		if i < rem {
			width++
		}
		ranges = append(ranges, Range{
			Index: int(i),
			Start: cursor,
			End:   cursor + width,
		})
		cursor += width
	}
	return ranges
}

func validate(d Domain, p int) error {
	if d.End < d.Start {
		return fmt.Errorf("invalid domain: end %d before start %d", d.End, d.Start)
	}
	if p < 1 {
		return fmt.Errorf("concurrency must be >= 1 (got %d)", p)
	}
	return nil
}
