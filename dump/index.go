package dump

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/LLNL/MACSio-sub000/pmpio"
)

// FileName is the group file of one dump.
func FileName(base string, group, dump int) string {
	return fmt.Sprintf("%s_%05d_%03d.yaml", base, group, dump)
}

// Namespace is the section name a rank writes under.
func Namespace(rank int) string {
	return fmt.Sprintf("domain_%06d", rank)
}

// RootName is the index file rank 0 writes for one dump.
func RootName(base string, dump int) string {
	return fmt.Sprintf("%s_root_%03d.yaml", base, dump)
}

// IndexEntry locates one rank's data.
type IndexEntry struct {
	Rank      int    `yaml:"rank"`
	Group     int    `yaml:"group"`
	Position  int    `yaml:"position"`
	File      string `yaml:"file"`
	Namespace string `yaml:"namespace"`
}

// Index maps every rank of a dump to the file and namespace holding its data.
type Index struct {
	RunID   string       `yaml:"run_id"`
	Dump    int          `yaml:"dump"`
	Ranks   int          `yaml:"ranks"`
	Groups  int          `yaml:"groups"`
	Entries []IndexEntry `yaml:"entries"`
}

// BuildIndex computes the index from the partition formula alone; it needs
// no live session and no communication.
func BuildIndex(base, runID string, size, groups, dump int) Index {
	idx := Index{RunID: runID, Dump: dump, Ranks: size, Groups: groups}
	idx.Entries = make([]IndexEntry, size)
	for r := range idx.Entries {
		g := pmpio.GroupRank(size, groups, r)
		idx.Entries[r] = IndexEntry{
			Rank:      r,
			Group:     g,
			Position:  pmpio.RankInGroup(size, groups, r),
			File:      FileName(base, g, dump),
			Namespace: Namespace(r),
		}
	}
	return idx
}

// Lookup returns the entry of rank.
func (idx Index) Lookup(rank int) (IndexEntry, bool) {
	if rank < 0 || rank >= len(idx.Entries) {
		return IndexEntry{}, false
	}
	return idx.Entries[rank], true
}

// WriteIndex stores idx in dir under the root file name of its dump.
func WriteIndex(dir, base string, idx Index) error {
	b, err := yaml.Marshal(&idx)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, RootName(base, idx.Dump)), b, 0o644)
}

// ReadIndex loads an index written by WriteIndex.
func ReadIndex(path string) (Index, error) {
	var idx Index
	b, err := os.ReadFile(path)
	if err != nil {
		return idx, err
	}
	if err := yaml.Unmarshal(b, &idx); err != nil {
		return idx, fmt.Errorf("index %s: %w", path, err)
	}
	return idx, nil
}
