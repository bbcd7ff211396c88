package mpi

// Root is the rank that collective operations gather to and scatter from.
const Root = 0

// Barrier blocks until every rank of c has entered Barrier with the same tag.
func Barrier(c Comm, tag int) error {
	if c.Rank() == Root {
		for r := 1; r < c.Size(); r++ {
			var ok bool
			if err := c.Receive(&ok, r, tag); err != nil {
				return err
			}
		}
		for r := 1; r < c.Size(); r++ {
			if err := Ssend(c, true, r, tag); err != nil {
				return err
			}
		}
		return nil
	}
	if err := Ssend(c, true, Root, tag); err != nil {
		return err
	}
	var ok bool
	return c.Receive(&ok, Root, tag)
}

// Bcast copies *data on root into *data on every other rank. data must be a
// pointer.
func Bcast(c Comm, data interface{}, root, tag int) error {
	if c.Rank() != root {
		return c.Receive(data, root, tag)
	}
	for r := 0; r < c.Size(); r++ {
		if r == root {
			continue
		}
		if err := Ssend(c, data, r, tag); err != nil {
			return err
		}
	}
	return nil
}

// Gather collects v from every rank on root, indexed by rank. Ranks other
// than root get a nil slice.
func Gather[T any](c Comm, v T, root, tag int) ([]T, error) {
	if c.Rank() != root {
		return nil, Ssend(c, v, root, tag)
	}
	all := make([]T, c.Size())
	all[root] = v
	for r := 0; r < c.Size(); r++ {
		if r == root {
			continue
		}
		if err := c.Receive(&all[r], r, tag); err != nil {
			return nil, err
		}
	}
	return all, nil
}
