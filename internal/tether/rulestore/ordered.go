// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package rulestore

import "grimm.is/tetherd/internal/tether/types"

// orderedDownstreamRules preserves insertion order for a single
// downstream's IPv6 downstream rule map, as required by RuleStore's data
// model (§4.4: "insertion-ordered within a downstream").
type orderedDownstreamRules struct {
	order []types.IPv6
	byKey map[types.IPv6]types.Ipv6DownstreamRule
}

func newOrderedDownstreamRules() *orderedDownstreamRules {
	return &orderedDownstreamRules{byKey: make(map[types.IPv6]types.Ipv6DownstreamRule)}
}

func (m *orderedDownstreamRules) set(rule types.Ipv6DownstreamRule) {
	if _, exists := m.byKey[rule.Neighbor6]; !exists {
		m.order = append(m.order, rule.Neighbor6)
	}
	m.byKey[rule.Neighbor6] = rule
}

func (m *orderedDownstreamRules) get(key types.IPv6) (types.Ipv6DownstreamRule, bool) {
	r, ok := m.byKey[key]
	return r, ok
}

func (m *orderedDownstreamRules) delete(key types.IPv6) (types.Ipv6DownstreamRule, bool) {
	r, ok := m.byKey[key]
	if !ok {
		return r, false
	}
	delete(m.byKey, key)
	for i, k := range m.order {
		if k == key {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return r, true
}

func (m *orderedDownstreamRules) values() []types.Ipv6DownstreamRule {
	out := make([]types.Ipv6DownstreamRule, 0, len(m.order))
	for _, k := range m.order {
		out = append(out, m.byKey[k])
	}
	return out
}

func (m *orderedDownstreamRules) len() int { return len(m.order) }
