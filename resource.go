package sqljobstore

import "sort"

// Resource names one of the closed set of classes of operation whose mutual
// exclusion is managed through a single advisory lock per tag per prefix.
type Resource string

// The closed enum of resource tags. Every multi-lock acquisition sorts these
// lexicographically by their string form before acquiring anything, which is
// what gives the system its global lock-order guarantee (spec §5).
const (
	ResourceCounter   Resource = "Counter"
	ResourceJob       Resource = "Job"
	ResourceList      Resource = "List"
	ResourceSetTag    Resource = "Set"
	ResourceHash      Resource = "Hash"
	ResourceQueue     Resource = "Queue"
	ResourceLock      Resource = "Lock"
	ResourceState     Resource = "State"
	ResourceMigration Resource = "Migration"
	ResourceServer    Resource = "Server"
)

// String returns the resource's textual tag, used verbatim in lock names.
func (r Resource) String() string {
	return string(r)
}

// lockName builds the full "<prefix>/<tag>" advisory lock name for a
// resource under the given prefix.
func (r Resource) lockName(prefix string) string {
	return prefix + "/" + string(r)
}

// ResourceSet is a set of resource tags accumulated by callers (the
// write-only transaction, the Repeater) that must be locked together.
type ResourceSet map[Resource]struct{}

// NewResourceSet builds a ResourceSet from zero or more resources.
func NewResourceSet(resources ...Resource) ResourceSet {
	s := make(ResourceSet, len(resources))
	for _, r := range resources {
		s[r] = struct{}{}
	}
	return s
}

// Add inserts a resource into the set.
func (s ResourceSet) Add(r Resource) {
	s[r] = struct{}{}
}

// Sorted returns the set's members in lexicographic order, the order every
// multi-lock acquisition must use.
func (s ResourceSet) Sorted() []Resource {
	out := make([]Resource, 0, len(s))
	for r := range s {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Empty reports whether the set has no members.
func (s ResourceSet) Empty() bool {
	return len(s) == 0
}
