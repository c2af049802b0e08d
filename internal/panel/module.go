package panel

import (
	"github.com/zjrosen/labelpanel/internal/notify"
	"github.com/zjrosen/labelpanel/internal/seriescache"
	"github.com/zjrosen/labelpanel/internal/viewcontext"
)

// Name identifies a registered action module.
type Name string

// The closed set of action modules, plus the "no tab selected" state.
const (
	NameNone           Name = "none"
	NameOptions        Name = "options"
	NameActiveLearning Name = "activelearning"
	NameSegmentation   Name = "segmentation"
	NameSmartEdit      Name = "smartedit"
)

// registrationOrder is the fixed fan-out order.
var registrationOrder = [...]Name{
	NameOptions,
	NameActiveLearning,
	NameSegmentation,
	NameSmartEdit,
}

// Names returns the registered action names in registration order.
func Names() []Name {
	return registrationOrder[:]
}

// Registered reports whether n is one of the registered action names.
func (n Name) Registered() bool {
	switch n {
	case NameOptions, NameActiveLearning, NameSegmentation, NameSmartEdit:
		return true
	case NameNone:
		return false
	default:
		return false
	}
}

// Title is the tab label shown to the user.
func (n Name) Title() string {
	switch n {
	case NameOptions:
		return "Options"
	case NameActiveLearning:
		return "Active Learning"
	case NameSegmentation:
		return "Auto Segmentation"
	case NameSmartEdit:
		return "SmartEdit"
	case NameNone:
		return "None"
	default:
		return string(n)
	}
}

// Config is a module's configuration snapshot.
type Config map[string]any

// Module is an action module. Every hook must be safe to call at any time;
// modules that don't care about a hook embed Base for a no-op.
type Module interface {
	Name() Name

	OnEnterActionTab() error
	OnLeaveActionTab() error

	OnSegmentCreated(id string) error
	OnSegmentUpdated(id string) error
	OnSegmentDeleted(id string) error
	OnSegmentSelected(id string) error

	// Render produces the module's body for the current session state.
	Render(state State) string

	// Config returns the module's current configuration, or nil if it holds none.
	Config() Config
}

// Base implements every Module hook as a no-op.
type Base struct{}

func (Base) OnEnterActionTab() error           { return nil }
func (Base) OnLeaveActionTab() error           { return nil }
func (Base) OnSegmentCreated(id string) error  { return nil }
func (Base) OnSegmentUpdated(id string) error  { return nil }
func (Base) OnSegmentDeleted(id string) error  { return nil }
func (Base) OnSegmentSelected(id string) error { return nil }
func (Base) Render(State) string               { return "" }
func (Base) Config() Config                    { return nil }

// State is the read-only session view handed to Render.
type State struct {
	ServerInfo ServerInfo
	Active     Name
	Connected  bool
}

// Services is what the coordinator hands each module at construction.
// Modules never hold references to each other; everything shared flows
// through here.
type Services struct {
	View   viewcontext.ViewContext
	Notify notify.Sink
	// Cache is namespaced by the view fingerprint and the module name.
	Cache seriescache.Namespace

	Client        ClientFactory
	ServerInfo    func() ServerInfo
	UpdateView    func(ViewUpdate) error
	SelectTab     func(Name) error
	OptionsConfig func() Config
	// Begin issues a ticket for an outbound call made by this module.
	Begin func() Ticket
	// Current reports whether a ticket is still valid.
	Current func(Ticket) bool
}

// Constructor builds one module from its services.
type Constructor func(Services) Module

// Constructors maps every registered name to its constructor.
type Constructors map[Name]Constructor
