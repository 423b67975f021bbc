package state

import (
	"fmt"

	"github.com/san-kum/cyclesim/internal/dynamo"
)

// SnapshotFormat is bumped whenever Snapshot changes incompatibly.
const SnapshotFormat = 1

// Snapshot is a full copy of every record plus scalar time and cycle, the
// unit persisted by checkpoints.
type Snapshot struct {
	Format  int              `json:"format"`
	Time    float64          `json:"time"`
	Cycle   int              `json:"cycle"`
	Records []RecordSnapshot `json:"records"`
}

type RecordSnapshot struct {
	Key   string                   `json:"key"`
	Tag   dynamo.Tag               `json:"tag"`
	Shape Shape                    `json:"shape"`
	Data  map[string]dynamo.Vector `json:"data"`
}

// Snapshot captures records at time tag (normally CURRENT). Aliases are
// skipped since they are restored through their target.
func (s *State) Snapshot(tag dynamo.Tag) Snapshot {
	snap := Snapshot{Format: SnapshotFormat, Time: s.Time(tag), Cycle: s.cycle}
	for _, kt := range s.Keys() {
		r := s.records[kt]
		if r.aliasOf != nil || r.field == nil {
			continue
		}
		data := make(map[string]dynamo.Vector, len(r.shape))
		for _, c := range r.shape {
			data[c.Name] = r.field.Component(c.Name).Clone()
		}
		snap.Records = append(snap.Records, RecordSnapshot{Key: kt.Key, Tag: kt.Tag, Shape: r.shape, Data: data})
	}
	return snap
}

func checkFormat(snap Snapshot) error {
	if snap.Format != SnapshotFormat {
		return dynamo.Configf("snapshot format %d, want %d", snap.Format, SnapshotFormat)
	}
	return nil
}

// RestoreTime seeds scalar time and cycle from a snapshot into the given tags.
func (s *State) RestoreTime(snap Snapshot, tags ...dynamo.Tag) error {
	if err := checkFormat(snap); err != nil {
		return err
	}
	for _, tag := range tags {
		s.SetTime(tag, snap.Time)
	}
	s.cycle = snap.Cycle
	return nil
}

// Restore copies snapshot data into declared records. Records the snapshot
// does not know about are left untouched.
func (s *State) Restore(snap Snapshot) error {
	if err := checkFormat(snap); err != nil {
		return err
	}
	if !s.setup {
		return dynamo.Configf("restore before setup")
	}
	for _, rs := range snap.Records {
		r, ok := s.records[dynamo.KeyTag{Key: rs.Key, Tag: rs.Tag}]
		if !ok {
			continue
		}
		b := r.base()
		if !b.shape.Equal(rs.Shape) {
			return fmt.Errorf("%w: restore %s@%s: shape %s, snapshot %s", dynamo.ErrConflict, rs.Key, rs.Tag, b.shape, rs.Shape)
		}
		for name, v := range rs.Data {
			copy(b.field.Component(name), v)
		}
		s.touch(b)
	}
	s.cycle = snap.Cycle
	return nil
}
