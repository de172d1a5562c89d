package loyalty

// PriorityTable orders assignment sources. A request whose source priority is
// below the priority of the source holding the current tier is rejected
// unless forced. The table is injected at Resolver construction so tenants
// can override the ordering without global state.
type PriorityTable map[SourceKind]int

// DefaultPriorities is the standard ordering: staff decisions outrank
// everything, promotional grants rank last. System-originated corrective
// actions bypass the table entirely (see Resolver).
func DefaultPriorities() PriorityTable {
	return PriorityTable{
		SourceStaff:        100,
		SourceSystem:       50,
		SourceSubscription: 40,
		SourceAPI:          35,
		SourcePurchase:     30,
		SourceEarned:       20,
		SourcePromo:        10,
	}
}

// Of returns the priority for kind; unknown kinds rank lowest.
func (t PriorityTable) Of(kind SourceKind) int { return t[kind] }

// Merge returns a copy of t with the non-nil entries of override applied.
func (t PriorityTable) Merge(override PriorityTable) PriorityTable {
	out := make(PriorityTable, len(t))
	for k, v := range t {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

var knownKinds = map[SourceKind]struct{}{
	SourceStaff:        {},
	SourceSubscription: {},
	SourcePurchase:     {},
	SourceAPI:          {},
	SourceSystem:       {},
	SourceEarned:       {},
	SourcePromo:        {},
}

// KnownKind reports whether kind is one of the recognised source kinds.
func KnownKind(kind SourceKind) bool {
	_, ok := knownKinds[kind]
	return ok
}
