// Package panel is the controller core of the annotation panel: it owns the
// session state, the registered action modules and the tab lifecycle, and
// it funnels segment events and view updates between the viewer and the
// modules.
package panel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/labelpanel/internal/log"
	"github.com/zjrosen/labelpanel/internal/notify"
	"github.com/zjrosen/labelpanel/internal/seriescache"
	"github.com/zjrosen/labelpanel/internal/viewcontext"
	"github.com/zjrosen/labelpanel/internal/viewer"
)

const tracerName = "github.com/zjrosen/labelpanel/internal/panel"

// Options wires a coordinator.
type Options struct {
	View    viewcontext.ViewContext
	Clients ClientFactory
	Notify  notify.Sink
	Sink    ViewSink
	Cache   *seriescache.Store
	Tracer  trace.Tracer
}

// Coordinator owns the action modules and the active tab.
type Coordinator struct {
	view     viewcontext.ViewContext
	session  *Session
	clients  ClientFactory
	notifier notify.Sink
	cache    *seriescache.Store
	tracer   trace.Tracer

	sinkMu sync.RWMutex
	sink   ViewSink

	mu         sync.Mutex
	generation uint64

	modules []Module
	byName  map[Name]Module
}

// New constructs the coordinator and every module in registration order.
// ctors must cover every registered name.
func New(opts Options, ctors Constructors) (*Coordinator, error) {
	if opts.View.IsZero() {
		return nil, fmt.Errorf("mount panel: %w", viewcontext.ErrContextResolution)
	}
	for name := range ctors {
		if !name.Registered() {
			return nil, fmt.Errorf("mount panel: %w: %q", ErrUnknownAction, name)
		}
	}
	if opts.Notify == nil {
		opts.Notify = notify.LogSink{}
	}
	if opts.Cache == nil {
		opts.Cache = seriescache.New(0)
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}

	c := &Coordinator{
		view:     opts.View,
		session:  NewSession(opts.Clients, opts.Notify),
		clients:  opts.Clients,
		notifier: opts.Notify,
		cache:    opts.Cache,
		tracer:   opts.Tracer,
		sink:     opts.Sink,
		byName:   make(map[Name]Module, len(registrationOrder)),
	}

	for _, name := range registrationOrder {
		ctor, ok := ctors[name]
		if !ok {
			return nil, fmt.Errorf("mount panel: no constructor for %q", name)
		}
		m := ctor(c.services(name))
		if m == nil || m.Name() != name {
			return nil, fmt.Errorf("mount panel: constructor for %q returned a mismatched module", name)
		}
		c.modules = append(c.modules, m)
		c.byName[name] = m
	}

	log.Info(log.CatCoord, "Panel mounted",
		"patient", c.view.PatientID,
		"series", c.view.SeriesInstanceUID,
		"frames", c.view.FrameCount,
		"fingerprint", c.view.Fingerprint)
	return c, nil
}

// MountConfig carries the viewer state needed to mount a panel.
type MountConfig struct {
	Layout   viewer.Layout
	Index    viewcontext.ImageIndex
	Surfaces viewcontext.SurfaceRegistry
	Options  Options
	Modules  Constructors
}

// Mount derives the view context and, only if that succeeds, constructs
// the coordinator. Callers refresh server info once after mounting.
func Mount(cfg MountConfig) (*Coordinator, error) {
	vc, err := viewcontext.Derive(cfg.Layout.Viewports, cfg.Layout.Studies, cfg.Layout.ActiveIndex, cfg.Index, cfg.Surfaces)
	if err != nil {
		return nil, err
	}
	opts := cfg.Options
	opts.View = vc
	return New(opts, cfg.Modules)
}

func (c *Coordinator) services(name Name) Services {
	return Services{
		View:          c.view,
		Notify:        c.notifier,
		Cache:         c.cache.Namespace(c.view.Fingerprint, string(name)),
		Client:        c.ClientFactory(),
		ServerInfo:    c.session.ServerInfo,
		UpdateView:    c.UpdateView,
		SelectTab:     c.SelectTab,
		OptionsConfig: c.OptionsConfig,
		Begin:         func() Ticket { return c.Begin(name) },
		Current:       c.Current,
	}
}

// Session returns the session state store.
func (c *Coordinator) Session() *Session { return c.session }

// View returns the derived view context.
func (c *Coordinator) View() viewcontext.ViewContext { return c.view }

// Modules returns the modules in registration order.
func (c *Coordinator) Modules() []Module {
	return append([]Module(nil), c.modules...)
}

// Module returns the module registered under name.
func (c *Coordinator) Module(name Name) (Module, bool) {
	m, ok := c.byName[name]
	return m, ok
}

// AttachSink sets the segmentation list that receives view updates.
func (c *Coordinator) AttachSink(s ViewSink) {
	c.sinkMu.Lock()
	c.sink = s
	c.sinkMu.Unlock()
}

// ClientFactory returns a factory bound to the configured server URL at
// call time. Callers must not retain the clients it yields.
func (c *Coordinator) ClientFactory() ClientFactory {
	return func() Client {
		if c.clients == nil {
			return nil
		}
		return c.clients()
	}
}

// SelectTab makes name the active tab. The outgoing module is told to
// leave before the incoming one is told to enter, and the selection is
// committed only after both hooks ran. Re-selecting the active tab runs
// both hooks again.
func (c *Coordinator) SelectTab(name Name) error {
	in, ok := c.byName[name]
	if !ok {
		log.Warn(log.CatCoord, "Unknown action tab", "name", string(name))
		return fmt.Errorf("select tab: %w: %q", ErrUnknownAction, name)
	}

	prev := c.session.ActiveAction()
	_, span := c.tracer.Start(context.Background(), "panel.select_tab",
		trace.WithAttributes(
			attribute.String("panel.from", string(prev)),
			attribute.String("panel.to", string(name)),
		))
	defer span.End()

	var faults []error
	if out, ok := c.byName[prev]; ok {
		if err := c.invoke(out, HookLeave, ""); err != nil {
			faults = append(faults, err)
		}
	}
	if err := c.invoke(in, HookEnter, ""); err != nil {
		faults = append(faults, err)
	}

	c.mu.Lock()
	c.generation++
	c.mu.Unlock()
	c.session.setActive(name)

	log.Debug(log.CatCoord, "Action tab selected", "from", string(prev), "to", string(name))
	err := errors.Join(faults...)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// SegmentCreated fans a segment creation out to every module.
func (c *Coordinator) SegmentCreated(id string) error {
	log.Info(log.CatCoord, "Segment created", "id", id)
	return c.fanOut(HookSegmentCreated, id)
}

// SegmentUpdated fans a segment update out to every module.
func (c *Coordinator) SegmentUpdated(id string) error {
	log.Info(log.CatCoord, "Segment updated", "id", id)
	return c.fanOut(HookSegmentUpdated, id)
}

// SegmentDeleted fans a segment deletion out to every module.
func (c *Coordinator) SegmentDeleted(id string) error {
	log.Info(log.CatCoord, "Segment deleted", "id", id)
	return c.fanOut(HookSegmentDeleted, id)
}

// SegmentSelected fans a segment selection out to every module.
func (c *Coordinator) SegmentSelected(id string) error {
	log.Info(log.CatCoord, "Segment selected", "id", id)
	return c.fanOut(HookSegmentSelected, id)
}

// fanOut delivers an event to every module in registration order. A fault
// in one module is recorded and delivery continues.
func (c *Coordinator) fanOut(hook Hook, id string) error {
	var faults []error
	for _, m := range c.modules {
		if err := c.invoke(m, hook, id); err != nil {
			faults = append(faults, err)
		}
	}
	return errors.Join(faults...)
}

// invoke runs one module hook, converting errors and panics to faults.
func (c *Coordinator) invoke(m Module, hook Hook, id string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ModuleHandlerFault{Module: m.Name(), Hook: hook, Err: fmt.Errorf("panic: %v", r)}
		}
		if err != nil {
			log.ErrorErr(log.CatCoord, "Module handler failed", err, "module", string(m.Name()), "hook", string(hook))
		}
	}()

	var herr error
	switch hook {
	case HookEnter:
		herr = m.OnEnterActionTab()
	case HookLeave:
		herr = m.OnLeaveActionTab()
	case HookSegmentCreated:
		herr = m.OnSegmentCreated(id)
	case HookSegmentUpdated:
		herr = m.OnSegmentUpdated(id)
	case HookSegmentDeleted:
		herr = m.OnSegmentDeleted(id)
	case HookSegmentSelected:
		herr = m.OnSegmentSelected(id)
	case HookComplete:
		return fmt.Errorf("invoke: %s is not an event hook", hook)
	default:
		return fmt.Errorf("invoke: unknown hook %q", hook)
	}
	if herr != nil {
		return &ModuleHandlerFault{Module: m.Name(), Hook: hook, Err: herr}
	}
	return nil
}

// UpdateView forwards a view update to the segmentation list unchanged.
func (c *Coordinator) UpdateView(u ViewUpdate) error {
	c.sinkMu.RLock()
	sink := c.sink
	c.sinkMu.RUnlock()
	if sink == nil {
		return ErrNoViewSink
	}
	log.Debug(log.CatCoord, "Forwarding view update",
		"model", u.Response.Model,
		"labels", len(u.Labels),
		"operation", u.Operation,
		"slice", u.Slice,
		"overlap", u.Overlap)
	return sink.UpdateView(u)
}

// OptionsConfig returns the options module's configuration, or an empty
// config before that module has any.
func (c *Coordinator) OptionsConfig() Config {
	return c.ActionConfig(NameOptions)
}

// ActionConfig reads a module's configuration on demand.
func (c *Coordinator) ActionConfig(name Name) Config {
	m, ok := c.byName[name]
	if !ok {
		return Config{}
	}
	cfg := m.Config()
	if cfg == nil {
		return Config{}
	}
	return cfg
}

// Section is one rendered module body.
type Section struct {
	Name   Name
	Title  string
	Body   string
	Active bool
}

// Render renders every module in registration order.
func (c *Coordinator) Render() []Section {
	state := c.session.State()
	sections := make([]Section, 0, len(c.modules))
	for _, m := range c.modules {
		sections = append(sections, Section{
			Name:   m.Name(),
			Title:  m.Name().Title(),
			Body:   c.render(m, state),
			Active: m.Name() == state.Active,
		})
	}
	return sections
}

func (c *Coordinator) render(m Module, state State) (body string) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(log.CatCoord, "Module render panicked", "module", string(m.Name()), "panic", fmt.Sprint(r))
			body = ""
		}
	}()
	return m.Render(state)
}

// Begin issues a ticket for an outbound request made by action.
func (c *Coordinator) Begin(action Name) Ticket {
	c.mu.Lock()
	defer c.mu.Unlock()
	return newTicket(action, c.generation)
}

// Current reports whether no tab switch happened since t was issued.
func (c *Coordinator) Current(t Ticket) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return t.Generation == c.generation
}

// Resume applies a finished task. Stale completions are dropped with
// ErrStaleTicket and never reach the module.
func (c *Coordinator) Resume(task Task, result any, runErr error) (err error) {
	if !c.Current(task.Ticket) {
		log.Debug(log.CatCoord, "Discarding stale completion",
			"action", string(task.Ticket.Action),
			"task", task.Label,
			"ticket", task.Ticket.ID)
		return fmt.Errorf("%s: %w", task.Label, ErrStaleTicket)
	}
	if task.Complete == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = &ModuleHandlerFault{Module: task.Ticket.Action, Hook: HookComplete, Err: fmt.Errorf("panic: %v", r)}
			log.ErrorErr(log.CatCoord, "Task completion panicked", err)
		}
	}()
	if cerr := task.Complete(result, runErr); cerr != nil {
		return &ModuleHandlerFault{Module: task.Ticket.Action, Hook: HookComplete, Err: cerr}
	}
	return nil
}

// Run executes task synchronously and resumes it. Intended for callers
// without an event loop, such as CLI commands and tests.
func (c *Coordinator) Run(ctx context.Context, task Task, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	result, err := task.Run(ctx)
	return c.Resume(task, result, err)
}
