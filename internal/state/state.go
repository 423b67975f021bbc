package state

import (
	"fmt"
	"math"
	"sort"

	"github.com/san-kum/cyclesim/internal/dynamo"
)

// Record is one declared (key, tag) field.
type Record struct {
	key         dynamo.KeyTag
	shape       Shape
	owner       string
	field       *Field
	version     uint64
	initialized bool
	aliasOf     *Record
}

func (r *Record) base() *Record {
	for r.aliasOf != nil {
		r = r.aliasOf
	}
	return r
}

func (r *Record) Key() dynamo.KeyTag { return r.key }
func (r *Record) Owner() string      { return r.base().owner }
func (r *Record) Version() uint64    { return r.base().version }
func (r *Record) Initialized() bool  { return r.base().initialized }
func (r *Record) Aliased() bool      { return r.aliasOf != nil }

// State is the time-tagged store every process reads and writes. It is owned
// by exactly one worker and is not safe for concurrent use.
type State struct {
	records map[dynamo.KeyTag]*Record
	times   map[dynamo.Tag]float64
	cycle   int
	clock   uint64
	setup   bool
}

func New() *State {
	return &State{
		records: make(map[dynamo.KeyTag]*Record),
		times:   make(map[dynamo.Tag]float64),
	}
}

// Require declares a field. Declarations close when Setup runs.
func (s *State) Require(key string, tag dynamo.Tag, shape Shape, owner string) error {
	if s.setup {
		return dynamo.Configf("require %s@%s after setup", key, tag)
	}
	kt := dynamo.KeyTag{Key: key, Tag: tag}
	r, ok := s.records[kt]
	if !ok {
		s.records[kt] = &Record{key: kt, shape: shape, owner: owner}
		return nil
	}
	r = r.base()
	if !r.shape.Compatible(shape) {
		return fmt.Errorf("%w: %s declared as %s, required as %s", dynamo.ErrConflict, kt, r.shape, shape)
	}
	if len(r.shape) == 0 {
		r.shape = shape
	}
	if owner != "" {
		if r.owner != "" && r.owner != owner {
			return fmt.Errorf("%w: %s owned by %q, claimed by %q", dynamo.ErrConflict, kt, r.owner, owner)
		}
		r.owner = owner
	}
	return nil
}

// RequireAlias declares key@tag as sharing storage with key@target.
func (s *State) RequireAlias(key string, tag, target dynamo.Tag) error {
	if s.setup {
		return dynamo.Configf("alias %s@%s after setup", key, tag)
	}
	src, ok := s.records[dynamo.KeyTag{Key: key, Tag: target}]
	if !ok {
		return fmt.Errorf("%w: alias target %s@%s", dynamo.ErrNotFound, key, target)
	}
	kt := dynamo.KeyTag{Key: key, Tag: tag}
	if r, ok := s.records[kt]; ok {
		if r.aliasOf != nil && r.base() == src.base() {
			return nil
		}
		return fmt.Errorf("%w: %s already declared", dynamo.ErrConflict, kt)
	}
	s.records[kt] = &Record{key: kt, aliasOf: src}
	return nil
}

func (s *State) RequireTime(tag dynamo.Tag) {
	if _, ok := s.times[tag]; !ok {
		s.times[tag] = 0
	}
}

// Setup closes declarations and allocates every field.
func (s *State) Setup() error {
	if s.setup {
		return nil
	}
	for _, kt := range s.Keys() {
		r := s.records[kt]
		if r.aliasOf != nil {
			continue
		}
		if len(r.shape) == 0 {
			return dynamo.Configf("field %s required without a shape", kt)
		}
		r.field = NewField(r.shape)
	}
	s.setup = true
	return nil
}

func (s *State) IsSetup() bool { return s.setup }

func (s *State) record(key string, tag dynamo.Tag) (*Record, error) {
	r, ok := s.records[dynamo.KeyTag{Key: key, Tag: tag}]
	if !ok {
		return nil, fmt.Errorf("%w: field %s@%s", dynamo.ErrNotFound, key, tag)
	}
	if !s.setup {
		return nil, dynamo.Configf("field %s@%s accessed before setup", key, tag)
	}
	return r, nil
}

func (s *State) Record(key string, tag dynamo.Tag) (*Record, error) {
	return s.record(key, tag)
}

func (s *State) Has(key string, tag dynamo.Tag) bool {
	_, ok := s.records[dynamo.KeyTag{Key: key, Tag: tag}]
	return ok
}

// Get returns read-only data. Callers must not write through it.
func (s *State) Get(key string, tag dynamo.Tag) (*Field, error) {
	r, err := s.record(key, tag)
	if err != nil {
		return nil, err
	}
	return r.base().field, nil
}

// GetW returns writable data and stamps the record with a new version.
func (s *State) GetW(key string, tag dynamo.Tag, owner string) (*Field, error) {
	r, err := s.record(key, tag)
	if err != nil {
		return nil, err
	}
	b := r.base()
	if b.owner != "" && b.owner != owner {
		return nil, fmt.Errorf("%w: %s@%s owned by %q, written by %q", dynamo.ErrConflict, key, tag, b.owner, owner)
	}
	s.touch(b)
	return b.field, nil
}

func (s *State) touch(b *Record) {
	s.clock++
	b.version = s.clock
	b.initialized = true
}

func (s *State) Version(key string, tag dynamo.Tag) (uint64, error) {
	r, err := s.record(key, tag)
	if err != nil {
		return 0, err
	}
	return r.Version(), nil
}

// AliasOrCopy promotes key@from into key@to. It is a no-op when the two
// records share storage.
func (s *State) AliasOrCopy(key string, from, to dynamo.Tag) error {
	src, err := s.record(key, from)
	if err != nil {
		return err
	}
	dst, err := s.record(key, to)
	if err != nil {
		return err
	}
	sb, db := src.base(), dst.base()
	if sb == db {
		return nil
	}
	if err := db.field.CopyFrom(sb.field); err != nil {
		return fmt.Errorf("promote %s %s->%s: %w", key, from, to, err)
	}
	s.clock++
	db.version = s.clock
	db.initialized = sb.initialized
	return nil
}

func (s *State) Time(tag dynamo.Tag) float64 {
	t, ok := s.times[tag]
	if !ok {
		return math.NaN()
	}
	return t
}

func (s *State) SetTime(tag dynamo.Tag, t float64) { s.times[tag] = t }

func (s *State) AdvanceTime(tag dynamo.Tag, dt float64) { s.times[tag] = s.Time(tag) + dt }

func (s *State) Cycle() int         { return s.cycle }
func (s *State) SetCycle(cycle int) { s.cycle = cycle }
func (s *State) AdvanceCycle()      { s.cycle++ }
func (s *State) Tags() []dynamo.Tag { return sortedTags(s.times) }
func (s *State) Len() int           { return len(s.records) }
func (s *State) Clock() uint64      { return s.clock }

func (s *State) Owner(kt dynamo.KeyTag) string {
	if r, ok := s.records[kt]; ok {
		return r.Owner()
	}
	return ""
}

// Keys lists declared records ordered by key, then tag.
func (s *State) Keys() []dynamo.KeyTag {
	keys := make([]dynamo.KeyTag, 0, len(s.records))
	for kt := range s.records {
		keys = append(keys, kt)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Key != keys[j].Key {
			return keys[i].Key < keys[j].Key
		}
		return keys[i].Tag < keys[j].Tag
	})
	return keys
}

// Bytes is the field storage this state holds. Aliases share storage and
// count once.
func (s *State) Bytes() int {
	n := 0
	for _, r := range s.records {
		if r.aliasOf == nil {
			n += 8 * r.shape.Size()
		}
	}
	return n
}

// CheckAllInitialized reports the first record never written.
func (s *State) CheckAllInitialized() error {
	for _, kt := range s.Keys() {
		if !s.records[kt].Initialized() {
			return dynamo.Configf("field %s was never initialized", kt)
		}
	}
	return nil
}

func sortedTags(m map[dynamo.Tag]float64) []dynamo.Tag {
	tags := make([]dynamo.Tag, 0, len(m))
	for t := range m {
		tags = append(tags, t)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	return tags
}

// Shape reports the declared shape of a record, resolving aliases.
func (s *State) Shape(key string, tag dynamo.Tag) (Shape, bool) {
	r, ok := s.records[dynamo.KeyTag{Key: key, Tag: tag}]
	if !ok {
		return nil, false
	}
	return r.base().shape, true
}
