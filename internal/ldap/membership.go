package ldap

import (
	"context"
	"slices"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// membershipResolver answers group membership questions for one configuration
// generation. Every group it returns lies inside the group search bases; groups
// outside them are neither returned nor walked through.
type membershipResolver struct {
	ctx                context.Context // logging context
	engine             *QueryEngine
	userBases          searchBases
	groupBases         searchBases
	userObjectClasses  []string
	groupObjectClasses []string
	memberAttributes   []string // from the group member ID map
	forwardAttribute   string   // operational attribute listing an entry's groups
	walkNested         bool // GroupsFor walks parent groups
	walkMembers        bool // MembersOf walks member groups
}

func newMembershipResolver(ctx context.Context, cfg *RegistryConfig, engine *QueryEngine, userBases, groupBases searchBases, memberMap IDMap) *membershipResolver {
	// With scope "all" the forward attribute already lists every group of an entry.
	walk := cfg.RecursiveSearch || cfg.MembershipScope == MembershipNested ||
		(cfg.MembershipScope == MembershipAll && cfg.MembershipAttribute == "")

	return &membershipResolver{
		ctx:                ctx,
		engine:             engine,
		userBases:          userBases,
		groupBases:         groupBases,
		userObjectClasses:  cfg.UserObjectClasses,
		groupObjectClasses: cfg.GroupObjectClasses,
		memberAttributes:   memberMap.Attributes(),
		forwardAttribute:   cfg.MembershipAttribute,
		walkNested:         walk,
		walkMembers:        cfg.RecursiveSearch || cfg.MembershipScope != MembershipDirect,
	}
}

// GroupsFor returns the DNs of the groups containing dn, in discovery order.
func (m *membershipResolver) GroupsFor(ctx context.Context, dn string) ([]string, error) {
	direct, err := m.parents(ctx, dn)
	if err != nil {
		return nil, err
	}

	seen := map[string]struct{}{normalizeDNKey(dn): {}}
	var groups []string
	queue := make([]string, 0, len(direct))

	add := func(candidates []string) {
		for _, g := range candidates {
			key := normalizeDNKey(g)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			if !m.groupBases.contains(g) {
				tflog.SubsystemTrace(m.ctx, SubsystemLDAP, "Skipping group outside the group search bases", map[string]any{
					"group": g,
				})
				continue
			}
			groups = append(groups, g)
			queue = append(queue, g)
		}
	}
	add(direct)

	for m.walkNested && len(queue) > 0 {
		group := queue[0]
		queue = queue[1:]

		parents, err := m.parents(ctx, group)
		if err != nil {
			return nil, err
		}
		add(parents)
	}

	return groups, nil
}

// parents returns the groups listing dn directly, either from the operational
// forward attribute or by searching the member attributes of groups.
func (m *membershipResolver) parents(ctx context.Context, dn string) ([]string, error) {
	if m.forwardAttribute != "" {
		entry, err := m.engine.GetEntry(ctx, dn, []string{m.forwardAttribute})
		if err != nil {
			return nil, err
		}
		return entry.GetEqualFoldAttributeValues(m.forwardAttribute), nil
	}

	filter := m.memberFilter(dn)
	var out []string
	for _, base := range m.groupBases.strings() {
		entries, err := m.engine.Search(ctx, SearchRequest{
			BaseDN:     base,
			Scope:      ScopeWholeSubtree,
			Filter:     filter,
			Attributes: []string{"1.1"},
		})
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			out = append(out, e.DN)
		}
	}
	return out, nil
}

// memberFilter matches groups naming dn in any member attribute.
func (m *membershipResolver) memberFilter(dn string) string {
	escaped := ldap.EscapeFilter(dn)

	var b strings.Builder
	if len(m.memberAttributes) > 1 {
		b.WriteString("(|")
	}
	for _, attr := range m.memberAttributes {
		b.WriteString("(" + attr + "=" + escaped + ")")
	}
	if len(m.memberAttributes) > 1 {
		b.WriteString(")")
	}

	members := b.String()
	if oc := objectClassFilter(m.groupObjectClasses); oc != "" {
		return "(&" + members + oc + ")"
	}
	return members
}

// MembersOf returns the user DNs contained in groupDN. Unless the scope is direct,
// members of member groups are included. With a forward attribute, users naming
// groupDN in it are members as well, so both directions agree.
func (m *membershipResolver) MembersOf(ctx context.Context, groupDN string, inUserBases func(string) bool) ([]string, error) {
	seenGroups := map[string]struct{}{normalizeDNKey(groupDN): {}}
	seenUsers := map[string]struct{}{}
	var users []string
	queue := []string{groupDN}

	for len(queue) > 0 {
		group := queue[0]
		queue = queue[1:]

		entry, err := m.engine.GetEntry(ctx, group, m.memberAttributes)
		if err != nil {
			return nil, err
		}

		for _, attr := range m.memberAttributes {
			for _, member := range entry.GetEqualFoldAttributeValues(attr) {
				isGroup, isUser, err := m.classify(ctx, member)
				if err != nil {
					return nil, err
				}
				key := normalizeDNKey(member)
				switch {
				case isGroup:
					if _, ok := seenGroups[key]; !ok && m.walkMembers && m.groupBases.contains(member) {
						seenGroups[key] = struct{}{}
						queue = append(queue, member)
					}
				case isUser && inUserBases(member):
					if _, ok := seenUsers[key]; !ok {
						seenUsers[key] = struct{}{}
						users = append(users, member)
					}
				}
			}
		}
	}

	if m.forwardAttribute == "" {
		return users, nil
	}

	forward, err := m.forwardMembers(ctx, groupDN)
	if err != nil {
		return nil, err
	}
	for _, member := range forward {
		key := normalizeDNKey(member)
		if _, ok := seenUsers[key]; ok || !inUserBases(member) {
			continue
		}
		seenUsers[key] = struct{}{}
		users = append(users, member)
	}
	return users, nil
}

// forwardMembers searches the user bases for entries listing groupDN in the
// forward attribute.
func (m *membershipResolver) forwardMembers(ctx context.Context, groupDN string) ([]string, error) {
	filter := "(" + m.forwardAttribute + "=" + ldap.EscapeFilter(groupDN) + ")"
	if oc := objectClassFilter(m.userObjectClasses); oc != "" {
		filter = "(&" + filter + oc + ")"
	}

	var out []string
	for _, base := range m.userBases.strings() {
		entries, err := m.engine.Search(ctx, SearchRequest{
			BaseDN:     base,
			Scope:      ScopeWholeSubtree,
			Filter:     filter,
			Attributes: []string{"1.1"},
		})
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			out = append(out, e.DN)
		}
	}
	return out, nil
}

// classify reads the object classes of a member. Members that no longer exist
// are neither users nor groups.
func (m *membershipResolver) classify(ctx context.Context, dn string) (isGroup, isUser bool, err error) {
	entry, err := m.engine.GetEntry(ctx, dn, []string{"objectClass"})
	if err != nil {
		if isNotFound(err) {
			return false, false, nil
		}
		return false, false, err
	}
	classes := entry.GetEqualFoldAttributeValues("objectClass")
	isGroup = len(m.groupObjectClasses) > 0 && hasObjectClass(classes, m.groupObjectClasses)
	return isGroup, !isGroup && hasObjectClass(classes, m.userObjectClasses), nil
}

// hasObjectClass reports whether classes contains any of wanted. An empty wanted
// list matches everything.
func hasObjectClass(classes, wanted []string) bool {
	if len(wanted) == 0 {
		return true
	}
	return slices.ContainsFunc(classes, func(oc string) bool {
		return slices.ContainsFunc(wanted, func(w string) bool { return strings.EqualFold(oc, w) })
	})
}
