package panel_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/zjrosen/labelpanel/internal/monailabel"
	"github.com/zjrosen/labelpanel/internal/notify"
	"github.com/zjrosen/labelpanel/internal/panel"
	"github.com/zjrosen/labelpanel/internal/panel/paneltest"
	"github.com/zjrosen/labelpanel/internal/viewcontext"
	"github.com/zjrosen/labelpanel/internal/viewer"
)

// callLog is shared by fake modules so cross-module ordering is observable.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, s)
}

func (l *callLog) take() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.calls
	l.calls = nil
	return out
}

type fakeModule struct {
	panel.Base
	name panel.Name
	log  *callLog
	svc  panel.Services

	failOn  panel.Hook
	panicOn panel.Hook
	config  panel.Config
}

func (f *fakeModule) Name() panel.Name { return f.name }

func (f *fakeModule) hit(h panel.Hook, id string) error {
	if id == "" {
		f.log.add(fmt.Sprintf("%s.%s", f.name, h))
	} else {
		f.log.add(fmt.Sprintf("%s.%s(%s)", f.name, h, id))
	}
	if f.panicOn == h {
		panic("boom")
	}
	if f.failOn == h {
		return errors.New("handler failed")
	}
	return nil
}

func (f *fakeModule) OnEnterActionTab() error { return f.hit(panel.HookEnter, "") }
func (f *fakeModule) OnLeaveActionTab() error { return f.hit(panel.HookLeave, "") }
func (f *fakeModule) OnSegmentCreated(id string) error {
	return f.hit(panel.HookSegmentCreated, id)
}
func (f *fakeModule) OnSegmentUpdated(id string) error {
	return f.hit(panel.HookSegmentUpdated, id)
}
func (f *fakeModule) OnSegmentDeleted(id string) error {
	return f.hit(panel.HookSegmentDeleted, id)
}
func (f *fakeModule) OnSegmentSelected(id string) error {
	return f.hit(panel.HookSegmentSelected, id)
}
func (f *fakeModule) Render(panel.State) string { return "body of " + string(f.name) }
func (f *fakeModule) Config() panel.Config    { return f.config }

type fixture struct {
	coord   *panel.Coordinator
	log     *callLog
	modules map[panel.Name]*fakeModule
	notes   *notify.Recorder
}

func newFixture(t paneltest.TB, tweak func(*fakeModule)) *fixture {
	t.Helper()
	f := &fixture{log: &callLog{}, modules: map[panel.Name]*fakeModule{}, notes: &notify.Recorder{}}
	ctors := panel.Constructors{}
	for _, name := range panel.Names() {
		ctors[name] = func(svc panel.Services) panel.Module {
			m := &fakeModule{name: name, log: f.log, svc: svc}
			if tweak != nil {
				tweak(m)
			}
			f.modules[name] = m
			return m
		}
	}
	coord, err := panel.New(panel.Options{View: paneltest.View(t, 3), Notify: f.notes}, ctors)
	require.NoError(t, err)
	f.coord = coord
	return f
}

func TestNew_RequiresViewContext(t *testing.T) {
	_, err := panel.New(panel.Options{}, panel.Constructors{})
	require.ErrorIs(t, err, viewcontext.ErrContextResolution)
}

func TestNew_RequiresEveryConstructor(t *testing.T) {
	_, err := panel.New(panel.Options{View: paneltest.View(t, 1)}, panel.Constructors{
		panel.NameOptions: func(panel.Services) panel.Module { return &fakeModule{name: panel.NameOptions} },
	})
	require.Error(t, err)
}

func TestNew_RejectsMismatchedModule(t *testing.T) {
	ctors := panel.Constructors{}
	for _, name := range panel.Names() {
		ctors[name] = func(panel.Services) panel.Module { return &fakeModule{name: panel.NameOptions} }
	}
	_, err := panel.New(panel.Options{View: paneltest.View(t, 1)}, ctors)
	require.Error(t, err)
}

func TestMount_FailsFastOnBadLayout(t *testing.T) {
	constructed := false
	ctors := panel.Constructors{}
	for _, name := range panel.Names() {
		ctors[name] = func(panel.Services) panel.Module {
			constructed = true
			return &fakeModule{name: name}
		}
	}
	layout := paneltest.Layout(3)
	layout.Viewports[0].SeriesInstanceUID = ""

	_, err := panel.Mount(panel.MountConfig{
		Layout:   layout,
		Index:    viewer.Index{},
		Surfaces: viewer.NewSurfaces(1),
		Modules:  ctors,
	})
	require.ErrorIs(t, err, viewcontext.ErrContextResolution)
	require.False(t, constructed)
}

func TestMount_DerivesContextForModules(t *testing.T) {
	var got panel.Services
	ctors := panel.Constructors{}
	for _, name := range panel.Names() {
		ctors[name] = func(svc panel.Services) panel.Module {
			if name == panel.NameSmartEdit {
				got = svc
			}
			return &fakeModule{name: name, log: &callLog{}}
		}
	}
	coord, err := panel.Mount(panel.MountConfig{
		Layout:   paneltest.Layout(4),
		Index:    viewer.Index{},
		Surfaces: viewer.NewSurfaces(1),
		Modules:  ctors,
	})
	require.NoError(t, err)
	require.Equal(t, 4, coord.View().FrameCount)
	require.Equal(t, coord.View().Fingerprint, got.View.Fingerprint)
	require.NotNil(t, got.UpdateView)
	require.NotNil(t, got.Begin)
}

func TestSelectTab_LeaveBeforeEnter(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.coord.SelectTab(panel.NameActiveLearning))
	require.Equal(t, []string{"activelearning.enter"}, f.log.take())

	require.NoError(t, f.coord.SelectTab(panel.NameSegmentation))
	require.Equal(t, []string{"activelearning.leave", "segmentation.enter"}, f.log.take())
	require.Equal(t, panel.NameSegmentation, f.coord.Session().ActiveAction())
}

func TestSelectTab_ReselectRunsBothHooks(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.coord.SelectTab(panel.NameSmartEdit))
	f.log.take()

	require.NoError(t, f.coord.SelectTab(panel.NameSmartEdit))
	require.Equal(t, []string{"smartedit.leave", "smartedit.enter"}, f.log.take())
}

func TestSelectTab_Unknown(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.coord.SelectTab(panel.NameOptions))
	f.log.take()

	err := f.coord.SelectTab("nonexistent")
	require.ErrorIs(t, err, panel.ErrUnknownAction)
	require.Empty(t, f.log.take())
	require.Equal(t, panel.NameOptions, f.coord.Session().ActiveAction())
}

func TestSelectTab_EnterFaultStillCommits(t *testing.T) {
	f := newFixture(t, func(m *fakeModule) {
		if m.name == panel.NameSegmentation {
			m.failOn = panel.HookEnter
		}
	})

	err := f.coord.SelectTab(panel.NameSegmentation)
	var fault *panel.ModuleHandlerFault
	require.ErrorAs(t, err, &fault)
	require.Equal(t, panel.NameSegmentation, fault.Module)
	require.Equal(t, panel.HookEnter, fault.Hook)
	require.Equal(t, panel.NameSegmentation, f.coord.Session().ActiveAction())
}

func TestSegmentEvents_FanOutInRegistrationOrder(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.coord.SegmentCreated("seg-1"))
	require.Equal(t, []string{
		"options.segment_created(seg-1)",
		"activelearning.segment_created(seg-1)",
		"segmentation.segment_created(seg-1)",
		"smartedit.segment_created(seg-1)",
	}, f.log.take())

	require.NoError(t, f.coord.SegmentUpdated("seg-1"))
	require.Len(t, f.log.take(), 4)
	require.NoError(t, f.coord.SegmentSelected("seg-1"))
	require.Len(t, f.log.take(), 4)
	require.NoError(t, f.coord.SegmentDeleted("seg-1"))
	require.Len(t, f.log.take(), 4)
}

func TestSegmentEvents_FaultIsolation(t *testing.T) {
	f := newFixture(t, func(m *fakeModule) {
		switch m.name {
		case panel.NameOptions:
			m.panicOn = panel.HookSegmentDeleted
		case panel.NameSegmentation:
			m.failOn = panel.HookSegmentDeleted
		}
	})

	err := f.coord.SegmentDeleted("seg-9")
	require.Error(t, err)
	require.Equal(t, []string{
		"options.segment_deleted(seg-9)",
		"activelearning.segment_deleted(seg-9)",
		"segmentation.segment_deleted(seg-9)",
		"smartedit.segment_deleted(seg-9)",
	}, f.log.take())

	var fault *panel.ModuleHandlerFault
	require.ErrorAs(t, err, &fault)
	require.Equal(t, panel.NameOptions, fault.Module)
	require.Contains(t, err.Error(), "panic: boom")
	require.Contains(t, err.Error(), "segmentation segment_deleted handler")
}

type sinkRecorder struct {
	updates []panel.ViewUpdate
}

func (s *sinkRecorder) UpdateView(u panel.ViewUpdate) error {
	s.updates = append(s.updates, u)
	return nil
}

func TestUpdateView_ForwardsVerbatim(t *testing.T) {
	f := newFixture(t, nil)
	require.ErrorIs(t, f.coord.UpdateView(panel.ViewUpdate{}), panel.ErrNoViewSink)

	sink := &sinkRecorder{}
	f.coord.AttachSink(sink)

	u := panel.ViewUpdate{
		Response:  monailabel.InferResult{Model: "deepedit", Label: []byte{1, 2, 3}},
		Labels:    []string{"spleen"},
		Operation: panel.OperationOverlap,
		Slice:     7,
		Overlap:   true,
	}
	require.NoError(t, f.modules[panel.NameSmartEdit].svc.UpdateView(u))
	require.Equal(t, []panel.ViewUpdate{u}, sink.updates)
}

func TestOptionsConfig_EmptyUntilOptionsHasConfig(t *testing.T) {
	f := newFixture(t, nil)
	require.Equal(t, panel.Config{}, f.coord.OptionsConfig())
	require.Equal(t, panel.Config{}, f.modules[panel.NameSmartEdit].svc.OptionsConfig())

	f.modules[panel.NameOptions].config = panel.Config{"deepedit": map[string]any{"use_gpu": true}}
	require.Equal(t, panel.Config{"deepedit": map[string]any{"use_gpu": true}}, f.coord.OptionsConfig())
	require.Equal(t, panel.Config{}, f.coord.ActionConfig("unknown"))
}

func TestServices_SelectTabRoutesThroughCoordinator(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.modules[panel.NameActiveLearning].svc.SelectTab(panel.NameSegmentation))
	require.Equal(t, panel.NameSegmentation, f.coord.Session().ActiveAction())
}

func TestRender_AllSectionsInOrder(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.coord.SelectTab(panel.NameSmartEdit))

	sections := f.coord.Render()
	require.Len(t, sections, 4)
	for i, name := range panel.Names() {
		require.Equal(t, name, sections[i].Name)
		require.Equal(t, "body of "+string(name), sections[i].Body)
		require.Equal(t, name == panel.NameSmartEdit, sections[i].Active)
	}
	require.Equal(t, "Auto Segmentation", sections[2].Title)
}

func TestResume_DiscardsStaleTicket(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.coord.SelectTab(panel.NameSmartEdit))

	applied := 0
	task := panel.Task{
		Ticket:   f.modules[panel.NameSmartEdit].svc.Begin(),
		Label:    "infer",
		Complete: func(any, error) error { applied++; return nil },
	}
	require.Equal(t, panel.NameSmartEdit, task.Ticket.Action)
	require.NotEmpty(t, task.Ticket.ID)

	require.NoError(t, f.coord.SelectTab(panel.NameSegmentation))
	err := f.coord.Resume(task, "result", nil)
	require.ErrorIs(t, err, panel.ErrStaleTicket)
	require.Zero(t, applied)
}

func TestResume_AppliesCurrentTicket(t *testing.T) {
	f := newFixture(t, nil)
	var gotResult any
	var gotErr error
	runErr := errors.New("remote failed")
	task := panel.Task{
		Ticket: f.coord.Begin(panel.NameSegmentation),
		Run:    func(context.Context) (any, error) { return 42, runErr },
		Complete: func(r any, err error) error {
			gotResult, gotErr = r, err
			return nil
		},
	}
	require.NoError(t, f.coord.Run(context.Background(), task, 0))
	require.Equal(t, 42, gotResult)
	require.ErrorIs(t, gotErr, runErr)
}

func TestResume_CompletionFaultIsReported(t *testing.T) {
	f := newFixture(t, nil)
	task := panel.Task{
		Ticket:   f.coord.Begin(panel.NameSegmentation),
		Complete: func(any, error) error { panic("bad") },
	}
	err := f.coord.Resume(task, nil, nil)
	var fault *panel.ModuleHandlerFault
	require.ErrorAs(t, err, &fault)
	require.Equal(t, panel.HookComplete, fault.Hook)
}

func TestClientFactory_ReadsURLAtCallTime(t *testing.T) {
	src := &urlSource{url: "http://a:1"}
	factory := panel.NewClientFactory(src)

	first := factory().(*monailabel.Client)
	src.url = "http://b:2"
	second := factory().(*monailabel.Client)

	require.Equal(t, "http://a:1", first.BaseURL)
	require.Equal(t, "http://b:2", second.BaseURL)
}

type urlSource struct{ url string }

func (u *urlSource) ServerURL() string { return u.url }

func TestRefreshServerInfo_NonSuccessLeavesInfoEmpty(t *testing.T) {
	client := &paneltest.MockClient{}
	client.On("Info", mock.Anything).Return(monailabel.Response{Status: 500}, nil).Once()
	notes := &notify.Recorder{}
	s := panel.NewSession(client.Factory(), notes)

	err := s.RefreshServerInfo(context.Background())
	require.ErrorIs(t, err, panel.ErrServiceUnavailable)
	require.True(t, s.ServerInfo().Empty())
	require.False(t, s.Connected())

	last, ok := notes.Last()
	require.True(t, ok)
	require.Equal(t, notify.Notification{
		Title:    "MONAI Label",
		Message:  "Failed to Connect to MONAI Label Server",
		Kind:     notify.KindError,
		Duration: 5 * time.Second,
	}, last)
	client.AssertExpectations(t)
}

func TestRefreshServerInfo_Success(t *testing.T) {
	client := &paneltest.MockClient{}
	client.On("Info", mock.Anything).Return(monailabel.Response{Status: 200, Data: map[string]any{"name": "X"}}, nil).Once()
	notes := &notify.Recorder{}
	s := panel.NewSession(client.Factory(), notes)

	require.NoError(t, s.RefreshServerInfo(context.Background()))
	require.Equal(t, panel.ServerInfo{"name": "X"}, s.ServerInfo())
	require.Equal(t, "X", s.ServerInfo().Name())
	require.True(t, s.Connected())

	last, _ := notes.Last()
	require.Equal(t, notify.KindSuccess, last.Kind)
	require.Equal(t, "Connected to MONAI Label Server - Successful", last.Message)
	require.Equal(t, "MONAI Label", last.Title)
	client.AssertExpectations(t)
}

func TestRefreshServerInfo_TransportFault(t *testing.T) {
	client := &paneltest.MockClient{}
	client.On("Info", mock.Anything).Return(monailabel.Response{}, errors.New("dial tcp: refused")).Once()
	notes := &notify.Recorder{}
	s := panel.NewSession(client.Factory(), notes)

	err := s.RefreshServerInfo(context.Background())
	require.ErrorIs(t, err, panel.ErrServiceUnavailable)
	require.Contains(t, err.Error(), "refused")
	last, _ := notes.Last()
	require.Equal(t, notify.KindError, last.Kind)
}

func TestRefreshServerInfo_FailureClearsPreviousInfo(t *testing.T) {
	client := &paneltest.MockClient{}
	client.On("Info", mock.Anything).Return(monailabel.Response{Status: 200, Data: map[string]any{"name": "X"}}, nil).Once()
	client.On("Info", mock.Anything).Return(monailabel.Response{Status: 503}, nil).Once()
	s := panel.NewSession(client.Factory(), &notify.Recorder{})

	require.NoError(t, s.RefreshServerInfo(context.Background()))
	require.Error(t, s.RefreshServerInfo(context.Background()))
	require.True(t, s.ServerInfo().Empty())
}

func TestServerInfo_Accessors(t *testing.T) {
	info := panel.ServerInfo{
		"name":   "MONAILabel - Radiology",
		"labels": []any{"spleen", "liver"},
		"models": map[string]any{
			"segmentation_spleen": map[string]any{"type": "segmentation", "labels": map[string]any{"spleen": 1.0}, "dimension": 3.0},
			"deepedit":            map[string]any{"type": "deepedit", "description": "interactive", "config": map[string]any{"use_gpu": true}},
		},
		"strategies": map[string]any{"random": map[string]any{}, "first": map[string]any{}},
	}

	models := info.Models()
	require.Len(t, models, 2)
	require.Equal(t, "deepedit", models[0].Name)
	require.Equal(t, map[string]any{"use_gpu": true}, models[0].Config)
	require.Equal(t, 3, models[1].Dimension)
	require.Equal(t, []string{"spleen"}, models[1].Labels)

	require.Len(t, info.ModelsOfType("segmentation"), 1)
	require.Equal(t, []string{"first", "random"}, info.Strategies())
	require.Equal(t, []string{"spleen", "liver"}, info.Labels())
	require.True(t, panel.ServerInfo{}.Empty())
}

// For any sequence of selections, each switch delivers leave to the
// previous tab before enter to the new one, and the final active tab is
// the last selection.
func TestSelectTab_Property(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		f := newFixture(rt, nil)
		seq := rapid.SliceOfN(rapid.SampledFrom(panel.Names()), 1, 20).Draw(rt, "selections")

		prev := panel.NameNone
		for _, name := range seq {
			require.NoError(rt, f.coord.SelectTab(name))
			calls := f.log.take()
			want := []string{string(name) + ".enter"}
			if prev != panel.NameNone {
				want = append([]string{string(prev) + ".leave"}, want...)
			}
			require.Equal(rt, want, calls)
			prev = name
		}
		require.Equal(rt, seq[len(seq)-1], f.coord.Session().ActiveAction())
	})
}

// Every segment event reaches every module exactly once, in registration
// order, regardless of which tab is active.
func TestSegmentFanOut_Property(t *testing.T) {
	hooks := []panel.Hook{panel.HookSegmentCreated, panel.HookSegmentUpdated, panel.HookSegmentDeleted, panel.HookSegmentSelected}
	rapid.Check(t, func(rt *rapid.T) {
		f := newFixture(rt, nil)
		if rapid.Bool().Draw(rt, "selectFirst") {
			require.NoError(rt, f.coord.SelectTab(rapid.SampledFrom(panel.Names()).Draw(rt, "tab")))
			f.log.take()
		}
		hook := rapid.SampledFrom(hooks).Draw(rt, "hook")
		id := rapid.StringMatching(`[a-z0-9-]{1,12}`).Draw(rt, "id")

		var err error
		switch hook {
		case panel.HookSegmentCreated:
			err = f.coord.SegmentCreated(id)
		case panel.HookSegmentUpdated:
			err = f.coord.SegmentUpdated(id)
		case panel.HookSegmentDeleted:
			err = f.coord.SegmentDeleted(id)
		case panel.HookSegmentSelected:
			err = f.coord.SegmentSelected(id)
		}
		require.NoError(rt, err)

		var want []string
		for _, name := range panel.Names() {
			want = append(want, fmt.Sprintf("%s.%s(%s)", name, hook, id))
		}
		require.Equal(rt, want, f.log.take())
	})
}
