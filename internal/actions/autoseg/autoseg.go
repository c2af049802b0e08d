// Package autoseg implements the Auto Segmentation tab: run a segmentation
// model over the whole active series and replace the segment list with
// its output.
package autoseg

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
)

// ModelType is the model type this tab runs.
const ModelType = "segmentation"

// ErrNoModel is returned when the server advertises no segmentation model.
var ErrNoModel = errors.New("no segmentation model available")

const lastModelKey = "model"

// Module runs whole-volume segmentation.
type Module struct {
	panel.Base
	svc panel.Services

	mu       sync.Mutex
	model    string
	inflight *panel.Ticket
	lastRun  time.Time
}

// New constructs the auto segmentation module. A model picked earlier for
// the same series is restored from the series cache.
func New(svc panel.Services) panel.Module {
	m := &Module{svc: svc}
	if name, ok := cachedModel(svc); ok {
		m.model = name
	}
	return m
}

func cachedModel(svc panel.Services) (string, bool) {
	v, ok := svc.Cache.Lookup(lastModelKey)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (m *Module) Name() panel.Name { return panel.NameSegmentation }

// Models lists the segmentation models the server advertises.
func (m *Module) Models() []panel.ModelInfo {
	return m.svc.ServerInfo().ModelsOfType(ModelType)
}

// SelectModel picks the model used by Segment.
func (m *Module) SelectModel(name string) error {
	for _, model := range m.Models() {
		if model.Name == name {
			m.mu.Lock()
			m.model = name
			m.mu.Unlock()
			m.svc.Cache.Set(lastModelKey, name)
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrNoModel, name)
}

// current resolves the selected model, falling back to the first one.
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

// Segment builds the inference task for the active series.
func (m *Module) Segment() (panel.Task, error) {
	model, err := m.current()
	if err != nil {
		return panel.Task{}, err
	}
	client, err := m.svc.NewClient()
	if err != nil {
		return panel.Task{}, err
	}

	if m.Running() {
		return panel.Task{}, errors.New("segmentation already running")
	}
	ticket := m.svc.Begin()
	m.mu.Lock()
	m.inflight = &ticket
	m.mu.Unlock()

	image := m.svc.View.SeriesInstanceUID
	params := m.svc.OptionsConfig().Params(panel.SectionInfer, model.Name)
	log.Info(log.CatAction, "Running auto segmentation", "model", model.Name, "image", image)

	return panel.Task{
		Ticket: ticket,
		Label:  "autoseg " + model.Name,
		Run: func(ctx context.Context) (any, error) {
			return client.Infer(ctx, model.Name, image, params)
		},
		Complete: func(result any, err error) error {
			return m.complete(model, result, err)
		},
	}, nil
}

func (m *Module) complete(model panel.ModelInfo, result any, err error) error {
	m.mu.Lock()
	m.inflight = nil
	m.mu.Unlock()

	if err != nil {
		m.svc.Notify.Show(notify.Notification{
			Title:    panel.NotifyTitle,
			Message:  "Failed to run segmentation: " + err.Error(),
			Kind:     notify.KindError,
			Duration: 5 * time.Second,
		})
		return err
	}
	res, ok := result.(monailabel.InferResult)
	if !ok {
		return fmt.Errorf("autoseg: unexpected result %T", result)
	}

	labels := model.Labels
	if len(labels) == 0 {
		labels = m.svc.ServerInfo().Labels()
	}
	if err := m.svc.UpdateView(panel.ViewUpdate{
		Response:  res,
		Labels:    labels,
		Operation: panel.OperationOverride,
		Slice:     -1,
		Overlap:   false,
	}); err != nil {
		return err
	}

	m.mu.Lock()
	m.lastRun = time.Now()
	m.mu.Unlock()
	m.svc.Notify.Show(notify.Notification{
		Title:    panel.NotifyTitle,
		Message:  "Run Segmentation - Successful",
		Kind:     notify.KindSuccess,
		Duration: 2 * time.Second,
	})
	return nil
}

// Running reports whether an inference is in flight. A request whose
// ticket went stale no longer counts.
func (m *Module) Running() bool {
	m.mu.Lock()
	t := m.inflight
	m.mu.Unlock()
	return t != nil && (m.svc.Current == nil || m.svc.Current(*t))
}

func (m *Module) Render(state panel.State) string {
	models := state.ServerInfo.ModelsOfType(ModelType)
	if len(models) == 0 {
		return "No segmentation models"
	}
	current, _ := m.current()

	running := m.Running()
	m.mu.Lock()
	lastRun := m.lastRun
	m.mu.Unlock()

	var b strings.Builder
	for _, model := range models {
		marker := "  "
		if model.Name == current.Name {
			marker = "> "
		}
		fmt.Fprintf(&b, "%s%s", marker, model.Name)
		if len(model.Labels) > 0 {
			fmt.Fprintf(&b, " (%s)", strings.Join(model.Labels, ", "))
		}
		b.WriteString("\n")
	}
	switch {
	case running:
		b.WriteString("Running...")
	case !lastRun.IsZero():
		fmt.Fprintf(&b, "Last run %s", lastRun.Format(time.Kitchen))
	}
	return strings.TrimRight(b.String(), "\n")
}
