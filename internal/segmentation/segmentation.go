// Package segmentation is the segment list shown next to the viewer. It
// originates the segment lifecycle events and applies view updates sent by
// the action modules.
package segmentation

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/zjrosen/labelpanel/internal/log"
	"github.com/zjrosen/labelpanel/internal/panel"
)

// ErrNotFound is returned for an unknown segment id.
var ErrNotFound = errors.New("segment not found")

// Events receives segment lifecycle events. *panel.Coordinator implements it.
type Events interface {
	SegmentCreated(id string) error
	SegmentUpdated(id string) error
	SegmentDeleted(id string) error
	SegmentSelected(id string) error
}

// Segment is one labelled region.
type Segment struct {
	ID    string
	Label string
	// Slice is the slice last touched by an overlap update, -1 for the whole volume.
	Slice int
}

// List is the segment list. It is safe for concurrent use; events are
// raised after the list lock is released.
type List struct {
	events Events

	mu        sync.Mutex
	segments  []Segment
	selected  string
	labelData []byte
	applied   int
}

// New creates an empty list raising events on events.
func New(events Events) *List {
	return &List{events: events}
}

type event struct {
	hook panel.Hook
	id   string
}

func (l *List) raise(evs ...event) {
	if l.events == nil {
		return
	}
	for _, ev := range evs {
		var err error
		switch ev.hook {
		case panel.HookSegmentCreated:
			err = l.events.SegmentCreated(ev.id)
		case panel.HookSegmentUpdated:
			err = l.events.SegmentUpdated(ev.id)
		case panel.HookSegmentDeleted:
			err = l.events.SegmentDeleted(ev.id)
		case panel.HookSegmentSelected:
			err = l.events.SegmentSelected(ev.id)
		default:
			err = fmt.Errorf("not a segment event: %s", ev.hook)
		}
		if err != nil {
			// Module faults are isolated by the coordinator; the list
			// change stands.
			log.Warn(log.CatUI, "Segment event handlers reported faults", "hook", string(ev.hook), "id", ev.id, "error", err.Error())
		}
	}
}

// Create adds a segment and selects it.
func (l *List) Create(label string) Segment {
	seg := Segment{ID: uuid.NewString(), Label: label, Slice: -1}
	l.mu.Lock()
	l.segments = append(l.segments, seg)
	l.selected = seg.ID
	l.mu.Unlock()

	l.raise(event{panel.HookSegmentCreated, seg.ID}, event{panel.HookSegmentSelected, seg.ID})
	return seg
}

// Rename changes a segment's label.
func (l *List) Rename(id, label string) error {
	l.mu.Lock()
	i := l.indexOf(id)
	if i < 0 {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	l.segments[i].Label = label
	l.mu.Unlock()

	l.raise(event{panel.HookSegmentUpdated, id})
	return nil
}

// Select makes id the active segment.
func (l *List) Select(id string) error {
	l.mu.Lock()
	if l.indexOf(id) < 0 {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	l.selected = id
	l.mu.Unlock()

	l.raise(event{panel.HookSegmentSelected, id})
	return nil
}

// Delete removes a segment.
func (l *List) Delete(id string) error {
	l.mu.Lock()
	i := l.indexOf(id)
	if i < 0 {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	l.segments = slices.Delete(l.segments, i, i+1)
	if l.selected == id {
		l.selected = ""
	}
	l.mu.Unlock()

	l.raise(event{panel.HookSegmentDeleted, id})
	return nil
}

// UpdateView applies an inference result. An override replaces the list
// with one segment per label, keeping segments whose label survives. An
// overlap merges into the named labels only.
func (l *List) UpdateView(u panel.ViewUpdate) error {
	var evs []event

	l.mu.Lock()
	switch u.Operation {
	case panel.OperationOverride:
		keep := make(map[string]Segment, len(l.segments))
		for _, seg := range l.segments {
			if slices.Contains(u.Labels, seg.Label) {
				if _, dup := keep[seg.Label]; !dup {
					keep[seg.Label] = seg
					continue
				}
			}
			evs = append(evs, event{panel.HookSegmentDeleted, seg.ID})
			if l.selected == seg.ID {
				l.selected = ""
			}
		}
		next := make([]Segment, 0, len(u.Labels))
		for _, label := range u.Labels {
			if seg, ok := keep[label]; ok {
				seg.Slice = u.Slice
				next = append(next, seg)
				evs = append(evs, event{panel.HookSegmentUpdated, seg.ID})
				delete(keep, label)
				continue
			}
			seg := Segment{ID: uuid.NewString(), Label: label, Slice: u.Slice}
			next = append(next, seg)
			evs = append(evs, event{panel.HookSegmentCreated, seg.ID})
		}
		l.segments = next
	case panel.OperationOverlap:
		for _, label := range u.Labels {
			if i := l.indexOfLabel(label); i >= 0 {
				l.segments[i].Slice = u.Slice
				evs = append(evs, event{panel.HookSegmentUpdated, l.segments[i].ID})
				continue
			}
			seg := Segment{ID: uuid.NewString(), Label: label, Slice: u.Slice}
			l.segments = append(l.segments, seg)
			evs = append(evs, event{panel.HookSegmentCreated, seg.ID})
		}
	default:
		l.mu.Unlock()
		return fmt.Errorf("unknown view operation %q", u.Operation)
	}
	if len(u.Response.Label) > 0 {
		l.labelData = slices.Clone(u.Response.Label)
	}
	l.applied++
	l.mu.Unlock()

	log.Debug(log.CatUI, "View update applied", "operation", u.Operation, "labels", len(u.Labels), "events", len(evs))
	l.raise(evs...)
	return nil
}

// Segments returns a copy of the list in display order.
func (l *List) Segments() []Segment {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.segments)
}

// Selected returns the active segment.
func (l *List) Selected() (Segment, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i := l.indexOf(l.selected); i >= 0 {
		return l.segments[i], true
	}
	return Segment{}, false
}

// LabelNames returns the segment labels in display order.
func (l *List) LabelNames() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, len(l.segments))
	for i, seg := range l.segments {
		names[i] = seg.Label
	}
	return names
}

// LabelData returns the most recent label volume received from the server.
func (l *List) LabelData() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.labelData)
}

// Applied counts the view updates applied so far.
func (l *List) Applied() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.applied
}

func (l *List) indexOf(id string) int {
	if id == "" {
		return -1
	}
	return slices.IndexFunc(l.segments, func(s Segment) bool { return s.ID == id })
}

func (l *List) indexOfLabel(label string) int {
	return slices.IndexFunc(l.segments, func(s Segment) bool { return s.Label == label })
}
