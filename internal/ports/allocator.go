// Package ports implements fixed-range port allocation for slot pairs. Each
// environment owns two disjoint sub-ranges, one per slot role, so blue and
// green never compete for the same numbers.
package ports

import (
	"github.com/cutover-io/cutover/internal/domain"
)

// Range is an inclusive port interval.
type Range struct {
	Start int
	End   int
}

// Contains reports whether port falls inside the range.
func (r Range) Contains(port int) bool {
	return port >= r.Start && port <= r.End
}

// Size returns the number of ports in the range.
func (r Range) Size() int {
	return r.End - r.Start + 1
}

var ranges = map[domain.Environment]map[domain.SlotRole]Range{
	domain.EnvStaging: {
		domain.RoleBlue:  {Start: 3000, End: 3249},
		domain.RoleGreen: {Start: 3250, End: 3499},
	},
	domain.EnvProduction: {
		domain.RoleBlue:  {Start: 4000, End: 4249},
		domain.RoleGreen: {Start: 4250, End: 4499},
	},
	domain.EnvPreview: {
		domain.RoleBlue:  {Start: 5000, End: 5499},
		domain.RoleGreen: {Start: 5500, End: 5999},
	},
}

// RangeFor returns the sub-range owned by an environment and role. The second
// return is false for unknown combinations.
func RangeFor(env domain.Environment, role domain.SlotRole) (Range, bool) {
	byRole, ok := ranges[env]
	if !ok {
		return Range{}, false
	}
	r, ok := byRole[role]
	return r, ok
}

// UsedSet is the caller-owned snapshot of occupied ports. The allocator never
// touches live registry state; planning passes thread one set through all
// their allocations.
type UsedSet map[int]struct{}

// NewUsedSet builds a set from a port list.
func NewUsedSet(ports ...int) UsedSet {
	set := make(UsedSet, len(ports))
	for _, p := range ports {
		set[p] = struct{}{}
	}
	return set
}

// Add marks a port as occupied.
func (u UsedSet) Add(port int) {
	u[port] = struct{}{}
}

// Has reports whether the port is occupied.
func (u UsedSet) Has(port int) bool {
	_, ok := u[port]
	return ok
}

// Allocate scans the role's sub-range ascending and returns the first free
// port, marking it used in the caller's set before returning. It never
// overflows into the companion role's range: exhausting the sub-range yields
// PortExhaustedError.
func Allocate(env domain.Environment, role domain.SlotRole, used UsedSet) (int, error) {
	r, ok := RangeFor(env, role)
	if !ok {
		return 0, &domain.PortExhaustedError{Environment: env, Role: role}
	}
	for port := r.Start; port <= r.End; port++ {
		if used.Has(port) {
			continue
		}
		used.Add(port)
		return port, nil
	}
	return 0, &domain.PortExhaustedError{Environment: env, Role: role, Start: r.Start, End: r.End}
}
