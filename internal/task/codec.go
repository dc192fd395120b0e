package task

import (
	"encoding/json"
	"fmt"
)

// Child is one slot in a group's ordered child list: exactly one of Task or
// Group is set. It serializes as a tagged record so nested trees survive the
// snapshot/history round-trip:
//
//	{"type": "task", "data": {...}}
//	{"type": "group", "data": {...}}
type Child struct {
	Task  *Task
	Group *Group
}

type childRecord struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (c Child) MarshalJSON() ([]byte, error) {
	switch {
	case c.Task != nil && c.Group == nil:
		data, err := json.Marshal(c.Task)
		if err != nil {
			return nil, err
		}
		return json.Marshal(childRecord{Type: "task", Data: data})
	case c.Group != nil && c.Task == nil:
		data, err := json.Marshal(c.Group)
		if err != nil {
			return nil, err
		}
		return json.Marshal(childRecord{Type: "group", Data: data})
	default:
		return nil, fmt.Errorf("%w: child must hold exactly one of task or group", ErrInvalidTaskStructure)
	}
}

func (c *Child) UnmarshalJSON(b []byte) error {
	var rec childRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return err
	}
	switch rec.Type {
	case "task":
		t := &Task{}
		if err := json.Unmarshal(rec.Data, t); err != nil {
			return err
		}
		*c = Child{Task: t}
		return nil
	case "group":
		g := &Group{}
		if err := json.Unmarshal(rec.Data, g); err != nil {
			return err
		}
		*c = Child{Group: g}
		return nil
	default:
		return fmt.Errorf("%w: unknown child type %q", ErrInvalidTaskStructure, rec.Type)
	}
}

// Clone deep-copies a task. Workers and events get clones so the queue's
// live tree is only ever touched under the queue lock.
func (t *Task) Clone() *Task {
	cp := *t
	if t.Input != nil {
		cp.Input = make(map[string]any, len(t.Input))
		for k, v := range t.Input {
			cp.Input[k] = v
		}
	}
	if t.Metadata != nil {
		cp.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			cp.Metadata[k] = v
		}
	}
	if t.StartedAt != nil {
		at := *t.StartedAt
		cp.StartedAt = &at
	}
	if t.FinishedAt != nil {
		at := *t.FinishedAt
		cp.FinishedAt = &at
	}
	return &cp
}

// Clone deep-copies a group via its wire form. Queries hand out clones so
// callers never share mutable state with the queue.
func (g *Group) Clone() (*Group, error) {
	b, err := json.Marshal(g)
	if err != nil {
		return nil, err
	}
	cp := &Group{}
	if err := json.Unmarshal(b, cp); err != nil {
		return nil, err
	}
	return cp, nil
}
