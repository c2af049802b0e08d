// Package paneltest provides test doubles for code built on the panel core.
package paneltest

import (
	"context"
	"fmt"
	"sync"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/labelpanel/internal/monailabel"
	"github.com/zjrosen/labelpanel/internal/notify"
	"github.com/zjrosen/labelpanel/internal/panel"
	"github.com/zjrosen/labelpanel/internal/seriescache"
	"github.com/zjrosen/labelpanel/internal/viewcontext"
	"github.com/zjrosen/labelpanel/internal/viewer"
)

// MockClient is a testify mock of panel.Client.
type MockClient struct {
	mock.Mock
}

var _ panel.Client = (*MockClient)(nil)

func (m *MockClient) Info(ctx context.Context) (monailabel.Response, error) {
	args := m.Called(ctx)
	return args.Get(0).(monailabel.Response), args.Error(1)
}

func (m *MockClient) Infer(ctx context.Context, model, image string, params map[string]any) (monailabel.InferResult, error) {
	args := m.Called(ctx, model, image, params)
	return args.Get(0).(monailabel.InferResult), args.Error(1)
}

func (m *MockClient) NextSample(ctx context.Context, strategy string, params map[string]any) (monailabel.Sample, error) {
	args := m.Called(ctx, strategy, params)
	return args.Get(0).(monailabel.Sample), args.Error(1)
}

func (m *MockClient) SaveLabel(ctx context.Context, image string, label []byte, params map[string]any) error {
	args := m.Called(ctx, image, label, params)
	return args.Error(0)
}

func (m *MockClient) Train(ctx context.Context, params map[string]any) (map[string]any, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]any), args.Error(1)
}

func (m *MockClient) StopTrain(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// Factory returns a ClientFactory that always yields m.
func (m *MockClient) Factory() panel.ClientFactory {
	return func() panel.Client { return m }
}

// Layout returns a single-viewport layout for patient P1, study S1,
// series 1.2.3 with the given number of frames.
func Layout(frames int) viewer.Layout {
	instances := make([]viewer.Instance, frames)
	for i := range instances {
		instances[i] = viewer.Instance{
			SOPInstanceUID: fmt.Sprintf("1.2.3.%d", i+1),
			InstanceNumber: i + 1,
		}
	}
	return viewer.Layout{
		Studies: []viewer.Study{{
			PatientID:        "P1",
			StudyInstanceUID: "S1",
			Series: []viewer.Series{{
				SeriesInstanceUID: "1.2.3",
				Modality:          "CT",
				Instances:         instances,
			}},
		}},
		Viewports: []viewer.Viewport{{
			StudyInstanceUID:      "S1",
			SeriesInstanceUID:     "1.2.3",
			DisplaySetInstanceUID: "ds-1",
		}},
	}
}

// TB is the subset of testing.TB these helpers need. Both *testing.T and
// *rapid.T satisfy it.
type TB interface {
	Helper()
	Errorf(format string, args ...any)
	FailNow()
}

// View derives the view context of Layout(frames).
func View(t TB, frames int) viewcontext.ViewContext {
	t.Helper()
	l := Layout(frames)
	vc, err := viewcontext.Derive(l.Viewports, l.Studies, l.ActiveIndex, viewer.Index{}, viewer.NewSurfaces(len(l.Viewports)))
	require.NoError(t, err)
	return vc
}

// Host records what modules send back through their services.
type Host struct {
	mu       sync.Mutex
	Notes    notify.Recorder
	Info     panel.ServerInfo
	Options  panel.Config
	Updates  []panel.ViewUpdate
	Selected []panel.Name
	// Generation is bumped by Invalidate to simulate a tab switch.
	Generation uint64
}

// Invalidate makes every ticket issued so far stale.
func (h *Host) Invalidate() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Generation++
}

// ViewUpdates returns a copy of the recorded view updates.
func (h *Host) ViewUpdates() []panel.ViewUpdate {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]panel.ViewUpdate(nil), h.Updates...)
}

// Services returns module services backed by in-memory fakes.
func Services(t TB, client panel.Client) (panel.Services, *Host) {
	t.Helper()
	h := &Host{Info: panel.ServerInfo{}}
	vc := View(t, 3)
	svc := panel.Services{
		View:       vc,
		Notify:     &h.Notes,
		Cache:      seriescache.New(0).Namespace(vc.Fingerprint, "test"),
		ServerInfo: func() panel.ServerInfo { return h.Info },
		UpdateView: func(u panel.ViewUpdate) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.Updates = append(h.Updates, u)
			return nil
		},
		SelectTab: func(n panel.Name) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.Selected = append(h.Selected, n)
			return nil
		},
		OptionsConfig: func() panel.Config {
			if h.Options == nil {
				return panel.Config{}
			}
			return h.Options
		},
		Begin: func() panel.Ticket {
			h.mu.Lock()
			defer h.mu.Unlock()
			return panel.Ticket{Generation: h.Generation}
		},
		Current: func(t panel.Ticket) bool {
			h.mu.Lock()
			defer h.mu.Unlock()
			return t.Generation == h.Generation
		},
	}
	if client != nil {
		svc.Client = func() panel.Client { return client }
	}
	return svc, h
}
