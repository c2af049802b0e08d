package annotate

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/exp/teatest"
	zone "github.com/lrstanley/bubblezone"
	"github.com/muesli/termenv"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/labelpanel/internal/actions/activelearning"
	"github.com/zjrosen/labelpanel/internal/actions/autoseg"
	"github.com/zjrosen/labelpanel/internal/actions/options"
	"github.com/zjrosen/labelpanel/internal/actions/smartedit"
	"github.com/zjrosen/labelpanel/internal/config"
	"github.com/zjrosen/labelpanel/internal/log"
	"github.com/zjrosen/labelpanel/internal/monailabel"
	"github.com/zjrosen/labelpanel/internal/notify"
	"github.com/zjrosen/labelpanel/internal/panel"
	"github.com/zjrosen/labelpanel/internal/panel/paneltest"
	"github.com/zjrosen/labelpanel/internal/segmentation"
)

func TestMain(m *testing.M) {
	zone.NewGlobal()
	lipgloss.SetColorProfile(termenv.Ascii)
	log.InitBuffered(200, log.LevelDebug)
	os.Exit(m.Run())
}

// stripZoneMarkers removes bubblezone escape sequences from output.
func stripZoneMarkers(s string) string {
	zonePattern := regexp.MustCompile(`\x1b\[\d+z`)
	return zonePattern.ReplaceAllString(s, "")
}

func serverData() map[string]any {
	return map[string]any{
		"name":   "demo-app",
		"labels": []any{"spleen", "liver"},
		"models": map[string]any{
			"segmentation_spleen": map[string]any{
				"type":        "segmentation",
				"labels":      []any{"spleen"},
				"description": "Segments the spleen",
			},
			"deepedit": map[string]any{"type": "deepedit"},
		},
		"strategies": map[string]any{"random": map[string]any{}, "first": map[string]any{}},
	}
}

type fixture struct {
	client *paneltest.MockClient
	toasts *notify.Recorder
	coord  *panel.Coordinator
	segs   *segmentation.List
}

func newFixture(t *testing.T, settings *config.Settings) (Model, *fixture) {
	t.Helper()
	f := &fixture{client: &paneltest.MockClient{}, toasts: &notify.Recorder{}}
	coord, err := panel.New(panel.Options{
		View:    paneltest.View(t, 3),
		Clients: f.client.Factory(),
		Notify:  f.toasts,
	}, panel.Constructors{
		panel.NameOptions:        options.New,
		panel.NameActiveLearning: activelearning.New,
		panel.NameSegmentation:   autoseg.New,
		panel.NameSmartEdit:      smartedit.New,
	})
	require.NoError(t, err)
	f.coord = coord
	f.segs = segmentation.New(coord)
	coord.AttachSink(f.segs)

	m := New(Services{Coord: coord, Segments: f.segs, Settings: settings, Toasts: f.toasts})
	return m.SetSize(120, 40), f
}

func keyMsg(k string) tea.KeyMsg {
	switch k {
	case "tab":
		return tea.KeyMsg{Type: tea.KeyTab}
	case "shift+tab":
		return tea.KeyMsg{Type: tea.KeyShiftTab}
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	case "ctrl+x":
		return tea.KeyMsg{Type: tea.KeyCtrlX}
	case "ctrl+u":
		return tea.KeyMsg{Type: tea.KeyCtrlU}
	case "right":
		return tea.KeyMsg{Type: tea.KeyRight}
	case "down":
		return tea.KeyMsg{Type: tea.KeyDown}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(k)}
}

func send(m Model, msg tea.Msg) (Model, tea.Cmd) {
	next, cmd := m.Update(msg)
	return next.(Model), cmd
}

func press(m Model, keys ...string) Model {
	for _, k := range keys {
		m, _ = send(m, keyMsg(k))
	}
	return m
}

// drain runs cmd and flattens batches. Only call it on commands that
// cannot contain a toast timer.
func drain(cmd tea.Cmd) []tea.Msg {
	if cmd == nil {
		return nil
	}
	msg := cmd()
	if batch, ok := msg.(tea.BatchMsg); ok {
		var out []tea.Msg
		for _, c := range batch {
			out = append(out, drain(c)...)
		}
		return out
	}
	return []tea.Msg{msg}
}

func connect(t *testing.T, m Model, f *fixture) Model {
	t.Helper()
	f.client.On("Info", mock.Anything).Return(monailabel.Response{Status: 200, Data: serverData()}, nil).Once()
	msg := m.Init()()
	m, _ = send(m, msg)
	require.True(t, f.coord.Session().Connected())
	return m
}

func TestInit_ConnectsAndToasts(t *testing.T) {
	m, f := newFixture(t, nil)
	m = connect(t, m, f)

	require.True(t, m.ToastVisible())
	view := stripZoneMarkers(m.View())
	require.Contains(t, view, "demo-app")
	require.Contains(t, view, "Connected to MONAI Label Server")
	require.Contains(t, view, "Select an action tab")
}

func TestInit_FailureKeepsPanelRunning(t *testing.T) {
	m, f := newFixture(t, nil)
	f.client.On("Info", mock.Anything).Return(monailabel.Response{}, errors.New("connection refused")).Once()

	m, _ = send(m, m.Init()())
	require.False(t, f.coord.Session().Connected())
	require.Contains(t, m.Status(), "connection refused")
	require.Contains(t, stripZoneMarkers(m.View()), "not connected")

	last, ok := f.toasts.Last()
	require.True(t, ok)
	require.Equal(t, notify.KindError, last.Kind)
}

func TestToast_ExpiresOnlyForLatest(t *testing.T) {
	m, f := newFixture(t, nil)
	m = connect(t, m, f)
	require.True(t, m.ToastVisible())

	m, _ = send(m, toastExpiredMsg{seq: m.toastSeq - 1})
	require.True(t, m.ToastVisible())
	m, _ = send(m, toastExpiredMsg{seq: m.toastSeq})
	require.False(t, m.ToastVisible())
}

func TestTabs_NumberAndCycle(t *testing.T) {
	m, f := newFixture(t, nil)

	m = press(m, "2")
	require.Equal(t, panel.NameActiveLearning, f.coord.Session().ActiveAction())
	m = press(m, "tab")
	require.Equal(t, panel.NameSegmentation, f.coord.Session().ActiveAction())
	m = press(m, "shift+tab", "shift+tab")
	require.Equal(t, panel.NameOptions, f.coord.Session().ActiveAction())
	m = press(m, "shift+tab")
	require.Equal(t, panel.NameSmartEdit, f.coord.Session().ActiveAction())

	view := stripZoneMarkers(m.View())
	require.Contains(t, view, "4 SmartEdit")
}

func TestTabs_FirstTabFromNone(t *testing.T) {
	m, f := newFixture(t, nil)
	press(m, "tab")
	require.Equal(t, panel.NameOptions, f.coord.Session().ActiveAction())
}

func TestSegments_CreateSelectDelete(t *testing.T) {
	m, f := newFixture(t, nil)
	m = connect(t, m, f)

	m = press(m, "n", "n", "n")
	segs := f.segs.Segments()
	require.Len(t, segs, 3)
	require.Equal(t, "spleen", segs[0].Label)
	require.Equal(t, "liver", segs[1].Label)
	require.Equal(t, "segment-3", segs[2].Label)

	m = press(m, "j")
	sel, ok := f.segs.Selected()
	require.True(t, ok)
	require.Equal(t, segs[0].ID, sel.ID)

	m = press(m, "x")
	require.Len(t, f.segs.Segments(), 2)
	_, ok = f.segs.Selected()
	require.False(t, ok)
	require.Equal(t, "Deleted spleen", m.Status())

	m = press(m, "x")
	require.Equal(t, segmentation.ErrNotFound.Error(), m.Status())
}

func TestAutoSegmentation_RunAppliesOverride(t *testing.T) {
	m, f := newFixture(t, nil)
	m = connect(t, m, f)
	f.client.On("Infer", mock.Anything, "segmentation_spleen", "1.2.3", mock.Anything).
		Return(monailabel.InferResult{Model: "segmentation_spleen", Label: []byte("nifti")}, nil).Once()

	m = press(m, "3")
	m, cmd := send(m, keyMsg("r"))
	require.NotNil(t, cmd)
	require.Equal(t, "autoseg segmentation_spleen...", m.Status())

	for _, msg := range drain(cmd) {
		m, _ = send(m, msg)
	}
	segs := f.segs.Segments()
	require.Len(t, segs, 1)
	require.Equal(t, "spleen", segs[0].Label)
	require.Equal(t, []byte("nifti"), f.segs.LabelData())
	require.Equal(t, "autoseg segmentation_spleen done", m.Status())

	last, _ := f.toasts.Last()
	require.Equal(t, "Run Segmentation - Successful", last.Message)
	f.client.AssertExpectations(t)
}

func TestAutoSegmentation_LateResponseDropped(t *testing.T) {
	m, f := newFixture(t, nil)
	m = connect(t, m, f)
	f.client.On("Infer", mock.Anything, "segmentation_spleen", "1.2.3", mock.Anything).
		Return(monailabel.InferResult{Model: "segmentation_spleen"}, nil).Once()

	m = press(m, "3")
	m, cmd := send(m, keyMsg("r"))
	require.NotNil(t, cmd)

	m = press(m, "4")
	for _, msg := range drain(cmd) {
		m, _ = send(m, msg)
	}
	require.Empty(t, f.segs.Segments())
	require.Zero(t, f.segs.Applied())
}

func TestSmartEdit_PointsAndRefine(t *testing.T) {
	m, f := newFixture(t, nil)
	m = connect(t, m, f)

	m = press(m, "n", "4", "right", "right", "down", "]", "]", "]", "f")
	require.Equal(t, 2, m.Slice(), "slice is clamped to the last frame")
	require.Equal(t, "Added foreground point (16, 8, 2)", m.Status())

	f.client.On("Infer", mock.Anything, "deepedit", "1.2.3", mock.MatchedBy(func(p map[string]any) bool {
		return p["label"] == "spleen"
	})).Return(monailabel.InferResult{Model: "deepedit", Label: []byte("patch")}, nil).Once()

	m, cmd := send(m, keyMsg("r"))
	require.NotNil(t, cmd)
	for _, msg := range drain(cmd) {
		m, _ = send(m, msg)
	}
	segs := f.segs.Segments()
	require.Len(t, segs, 1)
	require.Equal(t, 2, segs[0].Slice)
	f.client.AssertExpectations(t)
}

func TestSmartEdit_PointNeedsCapture(t *testing.T) {
	m, f := newFixture(t, nil)
	m = connect(t, m, f)

	m = press(m, "n", "f")
	require.Equal(t, smartedit.ErrNotCapturing.Error(), m.Status())
}

func TestActiveLearning_NextSampleAndStrategy(t *testing.T) {
	m, f := newFixture(t, nil)
	m = connect(t, m, f)
	m = press(m, "2", "g")

	al, ok := f.coord.Module(panel.NameActiveLearning)
	require.True(t, ok)
	require.Equal(t, "random", al.(*activelearning.Module).Strategy())

	f.client.On("NextSample", mock.Anything, "random", mock.Anything).
		Return(monailabel.Sample{ID: "img-7"}, nil).Once()
	m, cmd := send(m, keyMsg("r"))
	for _, msg := range drain(cmd) {
		m, _ = send(m, msg)
	}
	sample, ok := al.(*activelearning.Module).Sample()
	require.True(t, ok)
	require.Equal(t, "img-7", sample.ID)
	require.Contains(t, stripZoneMarkers(m.View()), "img-7")
}

func TestActiveLearning_SubmitWithoutSample(t *testing.T) {
	m, f := newFixture(t, nil)
	m = connect(t, m, f)

	m = press(m, "2", "s")
	require.Equal(t, activelearning.ErrNoSample.Error(), m.Status())
}

func TestRun_WithoutTab(t *testing.T) {
	m, _ := newFixture(t, nil)
	m, cmd := send(m, keyMsg("r"))
	require.Nil(t, cmd)
	require.Equal(t, "Select an action tab first", m.Status())
}

func TestOptions_RendersModelDescriptions(t *testing.T) {
	m, f := newFixture(t, nil)
	m = connect(t, m, f)
	m = press(m, "1")

	view := stripZoneMarkers(m.View())
	require.Contains(t, view, "segmentation_spleen")
	require.Contains(t, view, "Segments the spleen")
}

func TestServerURL_EditPersistsAndRequeries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	v, err := config.New(path)
	require.NoError(t, err)
	settings := config.NewSettings(v)

	m, _ := newFixture(t, settings)
	m = press(m, "u")
	require.True(t, m.EditingURL())

	m = press(m, "ctrl+u")
	for _, r := range "http://gpu-box:8000" {
		m, _ = send(m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}})
	}
	m, cmd := send(m, keyMsg("enter"))
	require.NotNil(t, cmd)
	require.False(t, m.EditingURL())
	require.Equal(t, "http://gpu-box:8000", settings.ServerURL())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "gpu-box")
}

func TestServerURL_ReadOnlyWithoutSettings(t *testing.T) {
	m, _ := newFixture(t, nil)
	m = press(m, "u")
	require.False(t, m.EditingURL())
	require.Equal(t, "Server URL is read-only", m.Status())
}

func TestConfigChanged_Requeries(t *testing.T) {
	m, f := newFixture(t, nil)
	m, cmd := send(m, ConfigChangedMsg{ServerURL: "http://other:8000"})
	require.NotNil(t, cmd)

	f.client.On("Info", mock.Anything).Return(monailabel.Response{Status: 503}, nil).Once()
	for _, msg := range drain(cmd) {
		m, _ = send(m, msg)
	}
	require.False(t, f.coord.Session().Connected())
	require.Contains(t, m.Status(), "503")
}

func TestLogOverlay_Toggle(t *testing.T) {
	m, _ := newFixture(t, nil)
	m = press(m, "ctrl+x")
	require.True(t, m.LogsVisible())

	// Keys go to the overlay while it is open.
	m = press(m, "2")
	require.True(t, m.LogsVisible())

	m = press(m, "esc")
	require.False(t, m.LogsVisible())
}

func TestProgram_ConnectsAndQuits(t *testing.T) {
	m, f := newFixture(t, nil)
	f.client.On("Info", mock.Anything).Return(monailabel.Response{Status: 200, Data: serverData()}, nil).Once()

	tm := teatest.NewTestModel(t, m, teatest.WithInitialTermSize(120, 40))
	teatest.WaitFor(t, tm.Output(), func(out []byte) bool {
		return bytes.Contains(out, []byte("demo-app"))
	}, teatest.WithDuration(3*time.Second))

	tm.Send(keyMsg("2"))
	tm.Send(keyMsg("q"))
	tm.WaitFinished(t, teatest.WithFinalTimeout(3*time.Second))

	final := tm.FinalModel(t).(Model)
	require.Empty(t, final.View())
	require.Equal(t, panel.NameActiveLearning, f.coord.Session().ActiveAction())
}
