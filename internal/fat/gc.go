package fat

import "log/slog"

// markBit sets bit i in a bitset being used to track "touched by the
// reachability walk" rather than bitset's usual "is free" meaning.
func markBit(bs *bitset, i int) { bs.words[i/64].Or(1 << uint(i%64)) }

func bitSet(bs *bitset, i int) bool { return bs.words[i/64].Load()&(1<<uint(i%64)) != 0 }

// reconcileOrphanedClusters is a best-effort consistency sweep run once at
// mount, mirroring gcsfuse's fs/garbage_collect.go: it walks every
// directory reachable from root, marks the clusters that walk actually
// touches, and frees any cluster the free-bitmap built from the raw FAT
// table (buildFreeBitmap) had marked allocated but which nothing in the
// directory tree references. This reclaims clusters orphaned by a crash
// between allocating a cluster and linking it into a directory entry or
// chain; it is a cleanup pass over the bitmap already built, not an
// invariant this driver depends on for correctness.
//
// gcMaxDepth bounds directory recursion so a corrupt dirent cycle (a
// subdirectory's ".." pointing somewhere that loops back above it) cannot
// hang the sweep; a real directory tree on a microcontroller-scale card is
// nowhere near this deep.
const gcMaxDepth = 64

func (m *mount) reconcileOrphanedClusters() error {
	if m.readOnly {
		return nil
	}

	reachable := newBitset(int(m.bpb.clusterCount()))
	if err := m.markReachable(m.rootLoc(), reachable, 0); err != nil {
		return err
	}

	freed := 0
	n := int(m.bpb.clusterCount())
	for i := 0; i < n; i++ {
		cluster := uint32(i) + 2
		v, err := m.getFATEntry(cluster)
		if err != nil {
			return err
		}
		if IsFree(v) {
			continue
		}
		if bitSet(reachable, i) {
			continue
		}
		// freeCluster already updates m.bitmap and m.freeCount.
		if err := m.freeCluster(cluster); err != nil {
			return err
		}
		freed++
	}
	if freed > 0 {
		slog.Warn("fat: reclaimed orphaned clusters at mount", "count", freed)
	}
	return nil
}

// markReachable walks loc and every subdirectory beneath it, setting a bit
// in reachable for each cluster actually referenced by the walk.
func (m *mount) markReachable(loc dirLoc, reachable *bitset, depth int) error {
	if depth > gcMaxDepth {
		slog.Warn("fat: directory recursion exceeded gcMaxDepth during gc, stopping early", "depth", depth)
		return nil
	}

	if !loc.fixedRoot {
		chain, err := m.followChain(loc.cluster)
		if err != nil {
			return err
		}
		for _, c := range chain {
			markBit(reachable, int(c-2))
		}
	}

	entries, _, err := listDirectory(m, loc)
	if err != nil {
		return err
	}

	for _, ent := range entries {
		if ent.Name == "." || ent.Name == ".." {
			continue
		}

		entLoc, index := decodeInode(ent.Inode)
		d, err := m.readDirentAt(entLoc, index)
		if err != nil {
			return err
		}
		cluster := d.firstCluster()
		if cluster == 0 {
			continue
		}

		if ent.IsDir {
			if err := m.markReachable(dirLoc{cluster: cluster}, reachable, depth+1); err != nil {
				return err
			}
			continue
		}

		chain, err := m.followChain(cluster)
		if err != nil {
			return err
		}
		for _, c := range chain {
			markBit(reachable, int(c-2))
		}
	}

	return nil
}
