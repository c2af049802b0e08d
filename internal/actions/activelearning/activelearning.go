// Package activelearning implements the Active Learning tab: fetch the next
// sample to annotate, submit finished labels, and start or stop training.
package activelearning

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

// DefaultStrategy is used when the server advertises none.
const DefaultStrategy = "random"

// ErrNoSample is returned when submitting before a sample was fetched.
var ErrNoSample = errors.New("no sample fetched")

const sampleKey = "sample"

// Module tracks the current sample and whether it has unsaved edits.
type Module struct {
	panel.Base
	svc panel.Services

	mu       sync.Mutex
	strategy string
	dirty    bool
	training bool
	status   string
}

// New constructs the active learning module.
func New(svc panel.Services) panel.Module {
	return &Module{svc: svc}
}

func (m *Module) Name() panel.Name { return panel.NameActiveLearning }

func (m *Module) OnSegmentCreated(string) error { m.markDirty(); return nil }
func (m *Module) OnSegmentUpdated(string) error { m.markDirty(); return nil }
func (m *Module) OnSegmentDeleted(string) error { m.markDirty(); return nil }

func (m *Module) markDirty() {
	m.mu.Lock()
	m.dirty = true
	m.mu.Unlock()
}

// Dirty reports whether labels changed since the last submit or fetch.
func (m *Module) Dirty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dirty
}

// Training reports whether a training run was started and not stopped.
func (m *Module) Training() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.training
}

// Sample returns the sample fetched for this series, if any.
func (m *Module) Sample() (monailabel.Sample, bool) {
	return seriescache.Get[monailabel.Sample](m.svc.Cache, sampleKey)
}

// Strategy returns the selected strategy, falling back to the first one
// the server advertises.
func (m *Module) Strategy() string {
	m.mu.Lock()
	s := m.strategy
	m.mu.Unlock()
	if s != "" {
		return s
	}
	if all := m.svc.ServerInfo().Strategies(); len(all) > 0 {
		return all[0]
	}
	return DefaultStrategy
}

// SetStrategy selects the strategy used by NextSample.
func (m *Module) SetStrategy(name string) error {
	all := m.svc.ServerInfo().Strategies()
	for _, s := range all {
		if s == name {
			m.mu.Lock()
			m.strategy = name
			m.mu.Unlock()
			return nil
		}
	}
	return fmt.Errorf("unknown strategy %q", name)
}

// NextSample builds a task fetching the next image to annotate.
func (m *Module) NextSample() (panel.Task, error) {
	client, err := m.svc.NewClient()
	if err != nil {
		return panel.Task{}, err
	}
	strategy := m.Strategy()
	params := m.svc.OptionsConfig().Params(panel.SectionActiveLearning, strategy)

	return panel.Task{
		Ticket: m.svc.Begin(),
		Label:  "next sample",
		Run: func(ctx context.Context) (any, error) {
			return client.NextSample(ctx, strategy, params)
		},
		Complete: func(result any, err error) error {
			if err != nil {
				m.fail("Failed to fetch next sample", err)
				return err
			}
			sample, ok := result.(monailabel.Sample)
			if !ok {
				return fmt.Errorf("activelearning: unexpected result %T", result)
			}
			m.svc.Cache.Set(sampleKey, sample)
			m.mu.Lock()
			m.dirty = false
			m.status = "Next sample: " + sample.ID
			m.mu.Unlock()
			log.Info(log.CatAction, "Fetched next sample", "strategy", strategy, "id", sample.ID)
			m.svc.Notify.Show(notify.Notification{
				Title:    panel.NotifyTitle,
				Message:  "Next sample: " + sample.ID,
				Kind:     notify.KindInfo,
				Duration: 2 * time.Second,
			})
			return nil
		},
	}, nil
}

// Submit builds a task saving label as the final label of the current
// sample.
func (m *Module) Submit(label []byte, labelNames []string) (panel.Task, error) {
	sample, ok := m.Sample()
	if !ok {
		return panel.Task{}, ErrNoSample
	}
	client, err := m.svc.NewClient()
	if err != nil {
		return panel.Task{}, err
	}
	params := map[string]any{"label_info": labelInfo(labelNames)}

	return panel.Task{
		Ticket: m.svc.Begin(),
		Label:  "submit label",
		Run: func(ctx context.Context) (any, error) {
			return nil, client.SaveLabel(ctx, sample.ID, label, params)
		},
		Complete: func(_ any, err error) error {
			if err != nil {
				m.fail("Failed to save label", err)
				return err
			}
			m.mu.Lock()
			m.dirty = false
			m.status = "Label submitted for " + sample.ID
			m.mu.Unlock()
			m.svc.Notify.Show(notify.Notification{
				Title:    panel.NotifyTitle,
				Message:  "Label submitted",
				Kind:     notify.KindSuccess,
				Duration: 2 * time.Second,
			})
			return nil
		},
	}, nil
}

func labelInfo(names []string) []any {
	out := make([]any, 0, len(names))
	for i, n := range names {
		out = append(out, map[string]any{"name": n, "idx": i + 1})
	}
	return out
}

// ToggleTraining builds a task starting training, or stopping it when a
// run is active.
func (m *Module) ToggleTraining() (panel.Task, error) {
	client, err := m.svc.NewClient()
	if err != nil {
		return panel.Task{}, err
	}
	if m.Training() {
		return panel.Task{
			Ticket: m.svc.Begin(),
			Label:  "stop training",
			Run: func(ctx context.Context) (any, error) {
				return nil, client.StopTrain(ctx)
			},
			Complete: func(_ any, err error) error {
				if err != nil {
					m.fail("Failed to stop training", err)
					return err
				}
				m.setTraining(false, "Training stopped")
				return nil
			},
		}, nil
	}

	params := map[string]any{}
	trainers, _ := m.svc.OptionsConfig()[panel.SectionTrain].(map[string]any)
	for name := range trainers {
		params[name] = m.svc.OptionsConfig().Params(panel.SectionTrain, name)
	}
	return panel.Task{
		Ticket: m.svc.Begin(),
		Label:  "start training",
		Run: func(ctx context.Context) (any, error) {
			return client.Train(ctx, params)
		},
		Complete: func(_ any, err error) error {
			if err != nil {
				m.fail("Failed to start training", err)
				return err
			}
			m.setTraining(true, "Training started")
			return nil
		},
	}, nil
}

func (m *Module) setTraining(on bool, msg string) {
	m.mu.Lock()
	m.training = on
	m.status = msg
	m.mu.Unlock()
	log.Info(log.CatAction, msg)
	m.svc.Notify.Show(notify.Notification{
		Title:    panel.NotifyTitle,
		Message:  msg,
		Kind:     notify.KindSuccess,
		Duration: 2 * time.Second,
	})
}

func (m *Module) fail(msg string, err error) {
	m.mu.Lock()
	m.status = msg
	m.mu.Unlock()
	log.ErrorErr(log.CatAction, msg, err)
	m.svc.Notify.Show(notify.Notification{
		Title:    panel.NotifyTitle,
		Message:  msg + ": " + err.Error(),
		Kind:     notify.KindError,
		Duration: 5 * time.Second,
	})
}

func (m *Module) Render(panel.State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Strategy: %s\n", m.Strategy())
	if sample, ok := m.Sample(); ok {
		fmt.Fprintf(&b, "Sample: %s", sample.ID)
		if m.Dirty() {
			b.WriteString(" (unsaved changes)")
		}
		b.WriteString("\n")
	} else {
		b.WriteString("Sample: none\n")
	}
	m.mu.Lock()
	training, status := m.training, m.status
	m.mu.Unlock()
	if training {
		b.WriteString("Training: running")
	} else {
		b.WriteString("Training: idle")
	}
	if status != "" {
		fmt.Fprintf(&b, "\n%s", status)
	}
	return b.String()
}
