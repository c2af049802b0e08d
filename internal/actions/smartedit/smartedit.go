// Package smartedit implements the SmartEdit tab: interactive refinement
// of the selected segment from foreground and background clicks.
package smartedit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/zjrosen/labelpanel/internal/log"
	"github.com/zjrosen/labelpanel/internal/monailabel"
	"github.com/zjrosen/labelpanel/internal/notify"
	"github.com/zjrosen/labelpanel/internal/panel"
	"github.com/zjrosen/labelpanel/internal/seriescache"
)

// ModelTypes are the interactive model types this tab can drive.
var ModelTypes = []string{"deepedit", "deepgrow"}

var (
	// ErrNotCapturing is returned when a click arrives while the tab is inactive.
	ErrNotCapturing = errors.New("point capture is off")
	// ErrNoSegment is returned when no segment is selected.
	ErrNoSegment = errors.New("no segment selected")
	// ErrNoPoints is returned when refining a segment without clicks.
	ErrNoPoints = errors.New("no points placed")
	// ErrNoModel is returned when the server has no interactive model.
	ErrNoModel = errors.New("no interactive model available")
)

// Point is a click in voxel coordinates. Z is the slice index.
type Point struct {
	X, Y, Z    int
	Background bool
}

func (p Point) coords() []int { return []int{p.X, p.Y, p.Z} }

// Module captures clicks per segment and runs interactive inference.
type Module struct {
	panel.Base
	svc panel.Services

	mu        sync.Mutex
	capturing bool
	selected  string
	model     string
	inflight  *panel.Ticket
}

// New constructs the smart edit module.
func New(svc panel.Services) panel.Module {
	return &Module{svc: svc}
}

func (m *Module) Name() panel.Name { return panel.NameSmartEdit }

// OnEnterActionTab turns point capture on.
func (m *Module) OnEnterActionTab() error {
	m.mu.Lock()
	m.capturing = true
	m.mu.Unlock()
	log.Debug(log.CatAction, "SmartEdit capture enabled")
	return nil
}

// OnLeaveActionTab turns point capture off.
func (m *Module) OnLeaveActionTab() error {
	m.mu.Lock()
	m.capturing = false
	m.mu.Unlock()
	log.Debug(log.CatAction, "SmartEdit capture disabled")
	return nil
}

func (m *Module) OnSegmentSelected(id string) error {
	m.mu.Lock()
	m.selected = id
	m.mu.Unlock()
	return nil
}

// OnSegmentDeleted drops the segment's clicks.
func (m *Module) OnSegmentDeleted(id string) error {
	m.svc.Cache.Delete(pointsKey(id))
	m.mu.Lock()
	if m.selected == id {
		m.selected = ""
	}
	m.mu.Unlock()
	return nil
}

func pointsKey(segment string) string { return "points/" + segment }

// Capturing reports whether clicks are being recorded.
func (m *Module) Capturing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.capturing
}

// Selected returns the segment clicks are recorded for.
func (m *Module) Selected() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selected
}

// AddPoint records a click for the selected segment.
func (m *Module) AddPoint(p Point) error {
	m.mu.Lock()
	capturing, selected := m.capturing, m.selected
	m.mu.Unlock()

	if !capturing {
		return ErrNotCapturing
	}
	if selected == "" {
		return ErrNoSegment
	}
	if p.Z < 0 || p.Z >= m.svc.View.FrameCount {
		return fmt.Errorf("slice %d outside series of %d frames", p.Z, m.svc.View.FrameCount)
	}
	points := m.Points(selected)
	m.svc.Cache.Set(pointsKey(selected), append(points, p))
	return nil
}

// Points returns the clicks recorded for segment.
func (m *Module) Points(segment string) []Point {
	points, _ := seriescache.Get[[]Point](m.svc.Cache, pointsKey(segment))
	return append([]Point(nil), points...)
}

// ClearPoints forgets the clicks recorded for segment.
func (m *Module) ClearPoints(segment string) {
	m.svc.Cache.Delete(pointsKey(segment))
}

// Models lists the interactive models the server advertises.
func (m *Module) Models() []panel.ModelInfo {
	return m.svc.ServerInfo().ModelsOfType(ModelTypes...)
}

// SelectModel picks the model used by Refine.
func (m *Module) SelectModel(name string) error {
	for _, model := range m.Models() {
		if model.Name == name {
			m.mu.Lock()
			m.model = name
			m.mu.Unlock()
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrNoModel, name)
}

func (m *Module) current() (panel.ModelInfo, error) {
	models := m.Models()
	if len(models) == 0 {
		return panel.ModelInfo{}, ErrNoModel
	}
	m.mu.Lock()
	selected := m.model
	m.mu.Unlock()
	for _, model := range models {
		if model.Name == selected {
			return model, nil
		}
	}
	return models[0], nil
}

// Refine builds an inference task for the selected segment. label is the
// segment's label name; the result is merged into that label only, on the
// slice of the most recent click.
func (m *Module) Refine(label string) (panel.Task, error) {
	segment := m.Selected()
	if segment == "" {
		return panel.Task{}, ErrNoSegment
	}
	points := m.Points(segment)
	if len(points) == 0 {
		return panel.Task{}, ErrNoPoints
	}
	model, err := m.current()
	if err != nil {
		return panel.Task{}, err
	}
	client, err := m.svc.NewClient()
	if err != nil {
		return panel.Task{}, err
	}
	if m.Running() {
		return panel.Task{}, errors.New("refinement already running")
	}

	foreground, background := [][]int{}, [][]int{}
	for _, p := range points {
		if p.Background {
			background = append(background, p.coords())
		} else {
			foreground = append(foreground, p.coords())
		}
	}
	slice := points[len(points)-1].Z

	params := m.svc.OptionsConfig().Params(panel.SectionInfer, model.Name)
	params["foreground"] = foreground
	params["background"] = background
	params["label"] = label
	image := m.svc.View.SeriesInstanceUID

	ticket := m.svc.Begin()
	m.mu.Lock()
	m.inflight = &ticket
	m.mu.Unlock()
	log.Info(log.CatAction, "Running SmartEdit", "model", model.Name, "segment", segment,
		"foreground", len(foreground), "background", len(background))

	return panel.Task{
		Ticket: ticket,
		Label:  "smartedit " + model.Name,
		Run: func(ctx context.Context) (any, error) {
			return client.Infer(ctx, model.Name, image, params)
		},
		Complete: func(result any, err error) error {
			return m.complete(label, slice, result, err)
		},
	}, nil
}

func (m *Module) complete(label string, slice int, result any, err error) error {
	m.mu.Lock()
	m.inflight = nil
	m.mu.Unlock()

	if err != nil {
		m.svc.Notify.Show(notify.Notification{
			Title:    panel.NotifyTitle,
			Message:  "Failed to run SmartEdit: " + err.Error(),
			Kind:     notify.KindError,
			Duration: 5 * time.Second,
		})
		return err
	}
	res, ok := result.(monailabel.InferResult)
	if !ok {
		return fmt.Errorf("smartedit: unexpected result %T", result)
	}
	return m.svc.UpdateView(panel.ViewUpdate{
		Response:  res,
		Labels:    []string{label},
		Operation: panel.OperationOverlap,
		Slice:     slice,
		Overlap:   true,
	})
}

// Running reports whether a refinement is in flight under a current ticket.
func (m *Module) Running() bool {
	m.mu.Lock()
	t := m.inflight
	m.mu.Unlock()
	return t != nil && (m.svc.Current == nil || m.svc.Current(*t))
}

func (m *Module) Render(state panel.State) string {
	models := state.ServerInfo.ModelsOfType(ModelTypes...)
	if len(models) == 0 {
		return "No interactive models"
	}
	current, _ := m.current()
	var b strings.Builder
	fmt.Fprintf(&b, "Model: %s\n", current.Name)

	segment := m.Selected()
	if segment == "" {
		b.WriteString("Select a segment to start clicking")
		return b.String()
	}
	fg, bg := 0, 0
	for _, p := range m.Points(segment) {
		if p.Background {
			bg++
		} else {
			fg++
		}
	}
	fmt.Fprintf(&b, "Foreground: %d  Background: %d", fg, bg)
	if m.Running() {
		b.WriteString("\nRunning...")
	} else if !m.Capturing() {
		b.WriteString("\nCapture paused")
	}
	return b.String()
}
