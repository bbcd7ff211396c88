package pmpio

// NoRank marks an absent predecessor or successor.
const NoRank = -1

// Partition splits Size ranks into Groups contiguous groups of near-equal
// size. The first Remainder groups hold GroupSize+1 ranks, the rest hold
// GroupSize. Every process computes the same Partition from (size, groups)
// alone, so no communication is needed to agree on the topology.
//
// Callers must ensure 1 <= groups <= size; NewPartition does not check.
type Partition struct {
	Size       int
	Groups     int
	GroupSize  int
	Remainder  int
	SplitPoint int // smallest rank in a group of GroupSize ranks
}

// Placement is where one rank sits in a Partition.
type Placement struct {
	Rank     int
	Group    int
	Position int
	Prev     int // NoRank for the head of a group
	Next     int // NoRank for the tail of a group
}

// Head reports whether the rank is first in its group.
func (p Placement) Head() bool { return p.Prev == NoRank }

// Tail reports whether the rank is last in its group.
func (p Placement) Tail() bool { return p.Next == NoRank }

// NewPartition splits size ranks into groups. groups must be in [1, size].
func NewPartition(size, groups int) Partition {
	groupSize := size / groups
	remainder := size % groups
	return Partition{
		Size:       size,
		Groups:     groups,
		GroupSize:  groupSize,
		Remainder:  remainder,
		SplitPoint: remainder * (groupSize + 1),
	}
}

// Locate places rank in the partition.
func (p Partition) Locate(rank int) Placement {
	pl := Placement{Rank: rank, Prev: NoRank, Next: NoRank}
	if rank < p.SplitPoint {
		pl.Group = rank / (p.GroupSize + 1)
		pl.Position = rank % (p.GroupSize + 1)
	} else {
		pl.Group = p.Remainder + (rank-p.SplitPoint)/p.GroupSize
		pl.Position = (rank - p.SplitPoint) % p.GroupSize
	}
	if pl.Position > 0 {
		pl.Prev = rank - 1
	}
	if pl.Position < p.GroupLen(pl.Group)-1 {
		pl.Next = rank + 1
	}
	return pl
}

// GroupLen returns the number of ranks in group g.
func (p Partition) GroupLen(g int) int {
	if g < p.Remainder {
		return p.GroupSize + 1
	}
	return p.GroupSize
}

// GroupStart returns the rank at position 0 of group g.
func (p Partition) GroupStart(g int) int {
	if g < p.Remainder {
		return g * (p.GroupSize + 1)
	}
	return p.SplitPoint + (g-p.Remainder)*p.GroupSize
}

// RankOf is the inverse of Locate: the rank at position pos of group g.
func (p Partition) RankOf(g, pos int) int {
	return p.GroupStart(g) + pos
}

// Members returns the ranks of group g in hand-off order.
func (p Partition) Members(g int) []int {
	n := p.GroupLen(g)
	start := p.GroupStart(g)
	ranks := make([]int, n)
	for i := range ranks {
		ranks[i] = start + i
	}
	return ranks
}

// GroupRank returns the group that rank belongs to when size ranks are split
// into groups groups. It needs no live session and always agrees with the
// placement a Baton computes for the same arguments.
func GroupRank(size, groups, rank int) int {
	return NewPartition(size, groups).Locate(rank).Group
}

// RankInGroup returns the position of rank within its group.
func RankInGroup(size, groups, rank int) int {
	return NewPartition(size, groups).Locate(rank).Position
}
