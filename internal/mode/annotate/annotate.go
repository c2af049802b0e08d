// Package annotate implements the interactive panel mode: the action tabs,
// the segment list and toasts around a mounted panel coordinator.
package annotate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	zone "github.com/lrstanley/bubblezone"

	"github.com/zjrosen/labelpanel/internal/actions/activelearning"
	"github.com/zjrosen/labelpanel/internal/actions/autoseg"
	"github.com/zjrosen/labelpanel/internal/actions/smartedit"
	"github.com/zjrosen/labelpanel/internal/config"
	"github.com/zjrosen/labelpanel/internal/log"
	"github.com/zjrosen/labelpanel/internal/monailabel"
	"github.com/zjrosen/labelpanel/internal/notify"
	"github.com/zjrosen/labelpanel/internal/panel"
	"github.com/zjrosen/labelpanel/internal/segmentation"
	"github.com/zjrosen/labelpanel/internal/ui/logoverlay"
)

const (
	// crosshairStep is how far the arrow keys move the click position.
	crosshairStep = 8
	crosshairMax  = 511

	defaultToastDuration = 3 * time.Second
)

// Services are the collaborators the mode drives.
type Services struct {
	Coord    *panel.Coordinator
	Segments *segmentation.List
	// Settings is optional; without it the server URL cannot be edited.
	Settings *config.Settings
	// Toasts receives every notification the panel shows.
	Toasts *notify.Recorder
	// Timeout bounds each remote call. Zero means no limit.
	Timeout time.Duration
}

// ConfigChangedMsg reports an edit of the config file on disk.
type ConfigChangedMsg struct {
	ServerURL string
}

type serverInfoMsg struct {
	resp monailabel.Response
	err  error
}

type taskDoneMsg struct {
	task   panel.Task
	result any
	err    error
}

type toastExpiredMsg struct {
	seq int
}

// Model is the panel mode state.
type Model struct {
	svc Services

	width  int
	height int

	logs       logoverlay.Model
	urlInput   textinput.Model
	editingURL bool

	markdown      *glamour.TermRenderer
	markdownWidth int

	toast        notify.Notification
	toastVisible bool
	toastsSeen   int
	toastSeq     int

	slice     int
	cursorX   int
	cursorY   int
	segModel  int
	editModel int
	status    string
	inFlight  int
	quitting  bool
}

// New creates the mode for a mounted coordinator.
func New(svc Services) Model {
	ti := textinput.New()
	ti.Prompt = "Server URL: "
	ti.Placeholder = config.DefaultServerURL
	ti.CharLimit = 256

	m := Model{
		svc:      svc,
		logs:     logoverlay.New(),
		urlInput: ti,
	}
	if svc.Toasts != nil {
		m.toastsSeen = len(svc.Toasts.All())
	}
	return m
}

// Init queries the server once; the panel starts with no tab selected.
func (m Model) Init() tea.Cmd {
	return m.queryServerInfo()
}

func (m Model) queryServerInfo() tea.Cmd {
	session := m.svc.Coord.Session()
	timeout := m.svc.Timeout
	return func() tea.Msg {
		ctx, cancel := withTimeout(timeout)
		defer cancel()
		resp, err := session.QueryServerInfo(ctx)
		return serverInfoMsg{resp: resp, err: err}
	}
}

func (m Model) runTask(task panel.Task) tea.Cmd {
	timeout := m.svc.Timeout
	return func() tea.Msg {
		ctx, cancel := withTimeout(timeout)
		defer cancel()
		result, err := task.Run(ctx)
		return taskDoneMsg{task: task, result: result, err: err}
	}
}

func withTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	if d > 0 {
		return context.WithTimeout(context.Background(), d)
	}
	return context.WithCancel(context.Background())
}

// Update handles a message and surfaces any notification it produced.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	m, cmd := m.update(msg)
	m, toastCmd := m.pollToasts()
	return m, tea.Batch(cmd, toastCmd)
}

func (m Model) update(msg tea.Msg) (Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		return m.SetSize(msg.Width, msg.Height), nil

	case serverInfoMsg:
		if err := m.svc.Coord.Session().ApplyServerInfo(msg.resp, msg.err); err != nil {
			m.status = err.Error()
		} else {
			m.status = ""
		}
		return m, nil

	case taskDoneMsg:
		return m.handleTaskDone(msg), nil

	case toastExpiredMsg:
		if msg.seq == m.toastSeq {
			m.toastVisible = false
		}
		return m, nil

	case ConfigChangedMsg:
		log.Info(log.CatUI, "Config changed, re-querying server", "url", msg.ServerURL)
		m.status = "Server URL: " + msg.ServerURL
		return m, m.queryServerInfo()

	case logoverlay.CloseMsg:
		return m, nil

	case tea.MouseMsg:
		return m.handleMouse(msg), nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	if m.editingURL {
		var cmd tea.Cmd
		m.urlInput, cmd = m.urlInput.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) handleTaskDone(msg taskDoneMsg) Model {
	m.inFlight = max(m.inFlight-1, 0)
	err := m.svc.Coord.Resume(msg.task, msg.result, msg.err)
	switch {
	case errors.Is(err, panel.ErrStaleTicket):
		log.Debug(log.CatUI, "Dropped late response", "task", msg.task.Label)
	case err != nil:
		m.status = err.Error()
	default:
		m.status = msg.task.Label + " done"
	}
	return m
}

// pollToasts shows the newest notification recorded since the last poll.
func (m Model) pollToasts() (Model, tea.Cmd) {
	if m.svc.Toasts == nil {
		return m, nil
	}
	all := m.svc.Toasts.All()
	if len(all) <= m.toastsSeen {
		return m, nil
	}
	m.toastsSeen = len(all)
	m.toast = all[len(all)-1]
	m.toastVisible = true
	m.toastSeq++

	seq := m.toastSeq
	d := m.toast.Duration
	if d <= 0 {
		d = defaultToastDuration
	}
	return m, tea.Tick(d, func(time.Time) tea.Msg { return toastExpiredMsg{seq: seq} })
}

func (m Model) handleKey(msg tea.KeyMsg) (Model, tea.Cmd) {
	if msg.String() == "ctrl+c" {
		m.quitting = true
		return m, tea.Quit
	}
	if m.logs.Visible() {
		var cmd tea.Cmd
		m.logs, cmd = m.logs.Update(msg)
		return m, cmd
	}
	if m.editingURL {
		return m.handleURLKey(msg)
	}

	switch msg.String() {
	case "q":
		m.quitting = true
		return m, tea.Quit
	case "ctrl+x":
		m.logs.Toggle()
	case "1", "2", "3", "4":
		names := panel.Names()
		i := int(msg.Runes[0] - '1')
		if i < len(names) {
			m.selectTab(names[i])
		}
	case "tab":
		m.selectTab(m.adjacentTab(1))
	case "shift+tab":
		m.selectTab(m.adjacentTab(-1))
	case "n":
		m.createSegment()
	case "x":
		m.deleteSegment()
	case "j":
		m.moveSelection(1)
	case "k":
		m.moveSelection(-1)
	case "up":
		m.cursorY = max(m.cursorY-crosshairStep, 0)
	case "down":
		m.cursorY = min(m.cursorY+crosshairStep, crosshairMax)
	case "left":
		m.cursorX = max(m.cursorX-crosshairStep, 0)
	case "right":
		m.cursorX = min(m.cursorX+crosshairStep, crosshairMax)
	case "[":
		m.slice = max(m.slice-1, 0)
	case "]":
		m.slice = min(m.slice+1, max(m.svc.Coord.View().FrameCount-1, 0))
	case "f", "b":
		m.addPoint(msg.String() == "b")
	case "m":
		m.cycleModel()
	case "g":
		m.cycleStrategy()
	case "r":
		return m.runPrimary()
	case "s":
		return m.submit()
	case "t":
		return m.toggleTraining()
	case "u":
		return m.beginURLEdit()
	}
	return m, nil
}

func (m Model) handleURLKey(msg tea.KeyMsg) (Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEsc:
		m.editingURL = false
		m.urlInput.Blur()
		return m, nil
	case tea.KeyEnter:
		m.editingURL = false
		m.urlInput.Blur()
		if err := m.svc.Settings.SetServerURL(m.urlInput.Value()); err != nil {
			m.status = err.Error()
			return m, nil
		}
		m.status = "Server URL: " + m.svc.Settings.ServerURL()
		return m, m.queryServerInfo()
	}
	var cmd tea.Cmd
	m.urlInput, cmd = m.urlInput.Update(msg)
	return m, cmd
}

func (m Model) beginURLEdit() (Model, tea.Cmd) {
	if m.svc.Settings == nil {
		m.status = "Server URL is read-only"
		return m, nil
	}
	m.editingURL = true
	m.urlInput.SetValue(m.svc.Settings.ServerURL())
	m.urlInput.CursorEnd()
	cmd := m.urlInput.Focus()
	return m, cmd
}

func (m Model) handleMouse(msg tea.MouseMsg) Model {
	if msg.Action != tea.MouseActionRelease || msg.Button != tea.MouseButtonLeft {
		return m
	}
	for _, name := range panel.Names() {
		if z := zone.Get(tabZone(name)); z != nil && z.InBounds(msg) {
			m.selectTab(name)
			return m
		}
	}
	for _, seg := range m.svc.Segments.Segments() {
		if z := zone.Get(segmentZone(seg.ID)); z != nil && z.InBounds(msg) {
			m.selectSegment(seg.ID)
			return m
		}
	}
	return m
}

func (m Model) active() panel.Name {
	return m.svc.Coord.Session().ActiveAction()
}

func (m Model) adjacentTab(step int) panel.Name {
	names := panel.Names()
	current := -1
	for i, n := range names {
		if n == m.active() {
			current = i
		}
	}
	if current < 0 {
		if step < 0 {
			return names[len(names)-1]
		}
		return names[0]
	}
	return names[(current+step+len(names))%len(names)]
}

func (m *Model) selectTab(name panel.Name) {
	if err := m.svc.Coord.SelectTab(name); err != nil {
		m.status = err.Error()
		return
	}
	m.status = ""
}

func (m *Model) createSegment() {
	used := make(map[string]bool)
	for _, s := range m.svc.Segments.Segments() {
		used[s.Label] = true
	}
	label := fmt.Sprintf("segment-%d", len(used)+1)
	for _, l := range m.svc.Coord.Session().ServerInfo().Labels() {
		if !used[l] {
			label = l
			break
		}
	}
	seg := m.svc.Segments.Create(label)
	m.status = "Created " + seg.Label
}

func (m *Model) deleteSegment() {
	seg, ok := m.svc.Segments.Selected()
	if !ok {
		m.status = segmentation.ErrNotFound.Error()
		return
	}
	if err := m.svc.Segments.Delete(seg.ID); err != nil {
		m.status = err.Error()
		return
	}
	m.status = "Deleted " + seg.Label
}

func (m *Model) moveSelection(step int) {
	segs := m.svc.Segments.Segments()
	if len(segs) == 0 {
		return
	}
	i := 0
	if sel, ok := m.svc.Segments.Selected(); ok {
		for j, s := range segs {
			if s.ID == sel.ID {
				i = (j + step + len(segs)) % len(segs)
			}
		}
	}
	m.selectSegment(segs[i].ID)
}

func (m *Model) selectSegment(id string) {
	if err := m.svc.Segments.Select(id); err != nil {
		m.status = err.Error()
	}
}

func (m *Model) addPoint(background bool) {
	se, ok := module[*smartedit.Module](m.svc.Coord, panel.NameSmartEdit)
	if !ok {
		return
	}
	p := smartedit.Point{X: m.cursorX, Y: m.cursorY, Z: m.slice, Background: background}
	if err := se.AddPoint(p); err != nil {
		m.status = err.Error()
		return
	}
	kind := "foreground"
	if background {
		kind = "background"
	}
	m.status = fmt.Sprintf("Added %s point (%d, %d, %d)", kind, p.X, p.Y, p.Z)
}

func (m *Model) cycleModel() {
	switch m.active() {
	case panel.NameSegmentation:
		as, ok := module[*autoseg.Module](m.svc.Coord, panel.NameSegmentation)
		if !ok {
			return
		}
		if models := as.Models(); len(models) > 0 {
			m.segModel = (m.segModel + 1) % len(models)
			if err := as.SelectModel(models[m.segModel].Name); err != nil {
				m.status = err.Error()
			}
		}
	case panel.NameSmartEdit:
		se, ok := module[*smartedit.Module](m.svc.Coord, panel.NameSmartEdit)
		if !ok {
			return
		}
		if models := se.Models(); len(models) > 0 {
			m.editModel = (m.editModel + 1) % len(models)
			if err := se.SelectModel(models[m.editModel].Name); err != nil {
				m.status = err.Error()
			}
		}
	}
}

func (m *Model) cycleStrategy() {
	al, ok := module[*activelearning.Module](m.svc.Coord, panel.NameActiveLearning)
	if !ok || m.active() != panel.NameActiveLearning {
		return
	}
	strategies := m.svc.Coord.Session().ServerInfo().Strategies()
	if len(strategies) == 0 {
		return
	}
	next := strategies[0]
	for i, s := range strategies {
		if s == al.Strategy() {
			next = strategies[(i+1)%len(strategies)]
		}
	}
	if err := al.SetStrategy(next); err != nil {
		m.status = err.Error()
	}
}

// runPrimary starts the main action of the active tab.
func (m Model) runPrimary() (Model, tea.Cmd) {
	switch m.active() {
	case panel.NameOptions:
		return m, m.queryServerInfo()
	case panel.NameActiveLearning:
		if al, ok := module[*activelearning.Module](m.svc.Coord, panel.NameActiveLearning); ok {
			return m.start(al.NextSample())
		}
	case panel.NameSegmentation:
		if as, ok := module[*autoseg.Module](m.svc.Coord, panel.NameSegmentation); ok {
			return m.start(as.Segment())
		}
	case panel.NameSmartEdit:
		se, ok := module[*smartedit.Module](m.svc.Coord, panel.NameSmartEdit)
		if !ok {
			break
		}
		seg, ok := m.svc.Segments.Selected()
		if !ok {
			m.status = smartedit.ErrNoSegment.Error()
			return m, nil
		}
		return m.start(se.Refine(seg.Label))
	default:
		m.status = "Select an action tab first"
	}
	return m, nil
}

func (m Model) submit() (Model, tea.Cmd) {
	if m.active() != panel.NameActiveLearning {
		return m, nil
	}
	al, ok := module[*activelearning.Module](m.svc.Coord, panel.NameActiveLearning)
	if !ok {
		return m, nil
	}
	return m.start(al.Submit(m.svc.Segments.LabelData(), m.svc.Segments.LabelNames()))
}

func (m Model) toggleTraining() (Model, tea.Cmd) {
	if m.active() != panel.NameActiveLearning {
		return m, nil
	}
	al, ok := module[*activelearning.Module](m.svc.Coord, panel.NameActiveLearning)
	if !ok {
		return m, nil
	}
	return m.start(al.ToggleTraining())
}

func (m Model) start(task panel.Task, err error) (Model, tea.Cmd) {
	if err != nil {
		log.Warn(log.CatUI, "Action not started", "error", err.Error())
		m.status = err.Error()
		return m, nil
	}
	m.inFlight++
	m.status = task.Label + "..."
	return m, m.runTask(task)
}

// module looks up a registered module by its concrete type.
func module[T panel.Module](c *panel.Coordinator, name panel.Name) (T, bool) {
	var zero T
	mod, ok := c.Module(name)
	if !ok {
		return zero, false
	}
	t, ok := mod.(T)
	return t, ok
}

// SetSize handles terminal resize.
func (m Model) SetSize(width, height int) Model {
	m.width, m.height = width, height
	m.logs.SetSize(width, height)
	m.urlInput.Width = max(width-len(m.urlInput.Prompt)-4, 10)

	wrap := max(width-4, 20)
	if m.markdown == nil || m.markdownWidth != wrap {
		r, err := glamour.NewTermRenderer(
			glamour.WithStandardStyle("notty"),
			glamour.WithWordWrap(wrap),
		)
		if err != nil {
			log.ErrorErr(log.CatUI, "Markdown renderer unavailable", err)
		}
		m.markdown, m.markdownWidth = r, wrap
	}
	return m
}

// Status returns the last status line message.
func (m Model) Status() string { return m.status }

// Slice returns the slice new points are placed on.
func (m Model) Slice() int { return m.slice }

// ToastVisible reports whether a notification is on screen.
func (m Model) ToastVisible() bool { return m.toastVisible }

// EditingURL reports whether the server URL editor is open.
func (m Model) EditingURL() bool { return m.editingURL }

// LogsVisible reports whether the log overlay is shown.
func (m Model) LogsVisible() bool { return m.logs.Visible() }
