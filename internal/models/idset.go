package models

import "encoding/json"

// IDSet is an insertion ordered set of ids. The zero value is ready to use.
type IDSet struct {
	order []string
	index map[string]struct{}
}

// NewIDSet builds a set from ids, dropping duplicates and empty ids.
func NewIDSet(ids ...string) IDSet {
	var s IDSet
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

// Add inserts id and reports whether it was new.
func (s *IDSet) Add(id string) bool {
	if id == "" {
		return false
	}
	if s.index == nil {
		s.index = make(map[string]struct{})
	}
	if _, ok := s.index[id]; ok {
		return false
	}
	s.index[id] = struct{}{}
	s.order = append(s.order, id)
	return true
}

func (s IDSet) Has(id string) bool {
	_, ok := s.index[id]
	return ok
}

func (s IDSet) Len() int { return len(s.order) }

// Slice returns a copy of the ids in insertion order. It never returns nil.
func (s IDSet) Slice() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Union returns a new set holding s followed by the ids of others.
func (s IDSet) Union(others ...IDSet) IDSet {
	out := NewIDSet(s.order...)
	for _, o := range others {
		for _, id := range o.order {
			out.Add(id)
		}
	}
	return out
}

// Intersects reports whether any id is in both sets.
func (s IDSet) Intersects(o IDSet) bool {
	small, big := s, o
	if small.Len() > big.Len() {
		small, big = big, small
	}
	for _, id := range small.order {
		if big.Has(id) {
			return true
		}
	}
	return false
}

func (s IDSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Slice())
}

func (s *IDSet) UnmarshalJSON(data []byte) error {
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return err
	}
	*s = NewIDSet(ids...)
	return nil
}
