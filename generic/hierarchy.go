package generic

import "sort"

// =============================================================================
// SPACE HIERARCHY - Precomputed closure table
// =============================================================================

// SpaceHierarchy maps every known reservation unit to the set of units that
// share physical space with it, itself included. Lookups are O(1); the tree is
// only walked by BuildSpaceHierarchy, which runs out-of-band.
type SpaceHierarchy struct {
	related map[ResourceID]map[ResourceID]struct{}
}

// NewSpaceHierarchy builds a hierarchy from a closure table. Every unit is
// made related to itself.
func NewSpaceHierarchy(closure map[ResourceID][]ResourceID) SpaceHierarchy {
	h := SpaceHierarchy{related: make(map[ResourceID]map[ResourceID]struct{}, len(closure))}
	for unit, others := range closure {
		set := ResourceSet(others...)
		set[unit] = struct{}{}
		h.related[unit] = set
	}
	return h
}

// Known reports whether the hierarchy has an entry for the unit.
func (h SpaceHierarchy) Known(unit ResourceID) bool {
	_, ok := h.related[unit]
	return ok
}

// Related returns the units sharing space with unit. ok is false for units the
// hierarchy has never seen; callers must treat that as "conflict possible".
func (h SpaceHierarchy) Related(unit ResourceID) (map[ResourceID]struct{}, bool) {
	set, ok := h.related[unit]
	return set, ok
}

// RelatedIDs returns the related units sorted, for queries and logging.
func (h SpaceHierarchy) RelatedIDs(unit ResourceID) []ResourceID {
	set := h.related[unit]
	ids := make([]ResourceID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Units returns every unit with an entry, sorted.
func (h SpaceHierarchy) Units() []ResourceID {
	ids := make([]ResourceID, 0, len(h.related))
	for id := range h.related {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Closure returns the hierarchy as a closure table, suitable for persisting.
func (h SpaceHierarchy) Closure() map[ResourceID][]ResourceID {
	out := make(map[ResourceID][]ResourceID, len(h.related))
	for _, unit := range h.Units() {
		out[unit] = h.RelatedIDs(unit)
	}
	return out
}

// =============================================================================
// BUILDING FROM THE SPACE TREE
// =============================================================================

// Space is a node of the physical space tree.
type Space struct {
	ID       SpaceID
	ParentID *SpaceID
}

// BuildSpaceHierarchy computes the closure table from the space tree and the
// spaces each unit occupies. Two units are related when a space of one is
// the same as, an ancestor of, or a descendant of a space of the other.
func BuildSpaceHierarchy(spaces []Space, unitSpaces map[ResourceID][]SpaceID) SpaceHierarchy {
	parent := make(map[SpaceID]SpaceID, len(spaces))
	children := make(map[SpaceID][]SpaceID)
	for _, s := range spaces {
		if s.ParentID != nil {
			parent[s.ID] = *s.ParentID
			children[*s.ParentID] = append(children[*s.ParentID], s.ID)
		}
	}

	// family(space) = the space, its ancestors and its descendants
	family := func(root SpaceID) map[SpaceID]struct{} {
		set := map[SpaceID]struct{}{root: {}}
		for cur, ok := parent[root]; ok; cur, ok = parent[cur] {
			if _, seen := set[cur]; seen {
				break // cycle in the tree data
			}
			set[cur] = struct{}{}
		}
		stack := []SpaceID{root}
		for len(stack) > 0 {
			cur := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			for _, child := range children[cur] {
				if _, seen := set[child]; !seen {
					set[child] = struct{}{}
					stack = append(stack, child)
				}
			}
		}
		return set
	}

	occupants := make(map[SpaceID][]ResourceID)
	for unit, ids := range unitSpaces {
		for _, id := range ids {
			occupants[id] = append(occupants[id], unit)
		}
	}

	closure := make(map[ResourceID][]ResourceID, len(unitSpaces))
	for unit, ids := range unitSpaces {
		related := make(map[ResourceID]struct{})
		for _, id := range ids {
			for space := range family(id) {
				for _, other := range occupants[space] {
					related[other] = struct{}{}
				}
			}
		}
		list := make([]ResourceID, 0, len(related))
		for other := range related {
			list = append(list, other)
		}
		closure[unit] = list
	}
	return NewSpaceHierarchy(closure)
}
