package counting

import (
	"sort"
	"strings"
)

// Directory indexes the members of one unit by identity.
type Directory map[string]Member

func NewDirectory(members []Member) Directory {
	dir := make(Directory, len(members))
	for _, m := range members {
		dir[NormalizeIdentity(m.ID)] = m
	}
	return dir
}

// NormalizeIdentity lower-cases and trims an email identity.
func NormalizeIdentity(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func (d Directory) Lookup(id string) (Member, bool) {
	m, ok := d[NormalizeIdentity(id)]
	return m, ok
}

// IsActiveAdmin reports whether id belongs to an active admin of the unit.
func (d Directory) IsActiveAdmin(id string) bool {
	m, ok := d.Lookup(id)
	return ok && m.IsActiveAdmin()
}

// DisplayName falls back to the identity itself when no name is on file.
func (d Directory) DisplayName(id string) string {
	if m, ok := d.Lookup(id); ok && strings.TrimSpace(m.DisplayName) != "" {
		return m.DisplayName
	}
	return id
}

// ActiveAdmins returns the ids of active admins in sorted order.
func (d Directory) ActiveAdmins() []string {
	out := make([]string, 0, len(d))
	for id, m := range d {
		if m.IsActiveAdmin() {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// SortMembers orders active members first, then by id.
func SortMembers(members []Member) {
	sort.SliceStable(members, func(i, j int) bool {
		ai, aj := members[i].Status == MemberActive, members[j].Status == MemberActive
		if ai != aj {
			return ai
		}
		return members[i].ID < members[j].ID
	})
}
