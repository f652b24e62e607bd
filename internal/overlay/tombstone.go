package overlay

import "strings"

// tombstonePolicy maps object names to tombstone names and back. A
// tombstone is a zero-length marker object named <object><suffix> living
// only in the local store; its presence means the object is logically
// deleted regardless of what the upstream store reports.
//
// The suffix is a fixed configuration string chosen to be unlikely to
// collide with real object names. Collision with a legitimate name ending
// is a known, accepted risk.
type tombstonePolicy struct {
	suffix string
}

// tombstoneName returns the tombstone name for an object name.
func (p tombstonePolicy) tombstoneName(name string) string {
	return name + p.suffix
}

// originalName returns the object name a tombstone masks. For any name not
// already ending in the suffix, originalName(tombstoneName(x)) == x.
func (p tombstonePolicy) originalName(tombstone string) string {
	return strings.TrimSuffix(tombstone, p.suffix)
}

// isTombstone reports whether an entry name is a tombstone.
func (p tombstonePolicy) isTombstone(name string) bool {
	return strings.HasSuffix(name, p.suffix)
}
