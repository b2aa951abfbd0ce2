package market

import "time"

// Snapshot is the full code -> instrument mapping at one point in time.
// Once handed to a Store or a consumer it must not be modified; all reads
// return copies.
type Snapshot struct {
	updatedAt   time.Time
	regenerated bool
	codes       []string
	items       map[string]*Instrument
}

func NewSnapshot(updatedAt time.Time) *Snapshot {
	return &Snapshot{
		updatedAt: updatedAt,
		items:     make(map[string]*Instrument),
	}
}

// Put adds or replaces a record while the snapshot is being built. A
// replaced code keeps its original position.
func (s *Snapshot) Put(inst Instrument) {
	if inst.Code == "" {
		return
	}
	inst = inst.Clone()
	inst.Segment = Classify(inst.Code)
	if _, ok := s.items[inst.Code]; !ok {
		s.codes = append(s.codes, inst.Code)
	}
	s.items[inst.Code] = &inst
}

// MarkRegenerated flags a snapshot whose prices were drawn afresh instead of
// following on from the previous one. Call it only while building.
func (s *Snapshot) MarkRegenerated() {
	s.regenerated = true
}

func (s *Snapshot) Regenerated() bool {
	return s != nil && s.regenerated
}

func (s *Snapshot) Get(code string) (Instrument, bool) {
	if s == nil {
		return Instrument{}, false
	}
	inst, ok := s.items[code]
	if !ok {
		return Instrument{}, false
	}
	return inst.Clone(), true
}

func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.codes)
}

func (s *Snapshot) UpdatedAt() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.updatedAt
}

// Codes returns codes in insertion order.
func (s *Snapshot) Codes() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.codes...)
}

// Instruments returns copies of every record in insertion order.
func (s *Snapshot) Instruments() []Instrument {
	if s == nil {
		return nil
	}
	out := make([]Instrument, 0, len(s.codes))
	for _, code := range s.codes {
		out = append(out, s.items[code].Clone())
	}
	return out
}

// BySegment returns the codes, in insertion order, whose derived segment
// equals seg.
func (s *Snapshot) BySegment(seg Segment) []string {
	if s == nil {
		return nil
	}
	var out []string
	for _, code := range s.codes {
		if Classify(code) == seg {
			out = append(out, code)
		}
	}
	return out
}

// Clone returns an independent deep copy.
func (s *Snapshot) Clone() *Snapshot {
	out := NewSnapshot(s.UpdatedAt())
	if s == nil {
		return out
	}
	out.regenerated = s.regenerated
	for _, code := range s.codes {
		out.Put(*s.items[code])
	}
	return out
}

// shallow copies the index so one record can be swapped without touching
// the others. Records themselves are never mutated in place.
func (s *Snapshot) shallow() *Snapshot {
	out := &Snapshot{
		updatedAt:   s.updatedAt,
		regenerated: s.regenerated,
		codes:       append([]string(nil), s.codes...),
		items:       make(map[string]*Instrument, len(s.items)),
	}
	for k, v := range s.items {
		out.items[k] = v
	}
	return out
}

func (s *Snapshot) remove(code string) {
	if _, ok := s.items[code]; !ok {
		return
	}
	delete(s.items, code)
	for i, c := range s.codes {
		if c == code {
			s.codes = append(s.codes[:i], s.codes[i+1:]...)
			break
		}
	}
}
