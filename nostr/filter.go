package nostr

import "encoding/json"

// Filter is a NIP-01 subscription filter. Tag filters are keyed without the
// leading '#', so Tags["p"] marshals as "#p".
type Filter struct {
	IDs     []string            `json:"ids,omitempty"`
	Authors []string            `json:"authors,omitempty"`
	Kinds   []int               `json:"kinds,omitempty"`
	Tags    map[string][]string `json:"-"`
	Since   *int64              `json:"since,omitempty"`
	Until   *int64              `json:"until,omitempty"`
	Limit   int                 `json:"limit,omitempty"`
}

// MarshalJSON flattens tag filters into "#x" keys.
func (f Filter) MarshalJSON() ([]byte, error) {
	type plain Filter
	base, err := json.Marshal(plain(f))
	if err != nil {
		return nil, err
	}
	if len(f.Tags) == 0 {
		return base, nil
	}
	m := map[string]any{}
	if err := json.Unmarshal(base, &m); err != nil {
		return nil, err
	}
	for name, values := range f.Tags {
		m["#"+name] = values
	}
	return json.Marshal(m)
}

// Matches reports whether ev satisfies f.
func (f Filter) Matches(ev *Event) bool {
	if len(f.IDs) > 0 && !contains(f.IDs, ev.ID) {
		return false
	}
	if len(f.Authors) > 0 && !contains(f.Authors, ev.PubKey) {
		return false
	}
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if k == ev.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for name, values := range f.Tags {
		matched := false
		for _, tag := range ev.Tags {
			if len(tag) >= 2 && tag[0] == name && contains(values, tag[1]) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if f.Since != nil && ev.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && ev.CreatedAt > *f.Until {
		return false
	}
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// UnmarshalJSON reads "#x" keys back into Tags.
func (f *Filter) UnmarshalJSON(data []byte) error {
	type plain Filter
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for key, value := range raw {
		if len(key) < 2 || key[0] != '#' {
			continue
		}
		var values []string
		if err := json.Unmarshal(value, &values); err != nil {
			return err
		}
		if p.Tags == nil {
			p.Tags = map[string][]string{}
		}
		p.Tags[key[1:]] = values
	}
	*f = Filter(p)
	return nil
}
