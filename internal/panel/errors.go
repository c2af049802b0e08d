package panel

import (
	"errors"
	"fmt"
)

// Sentinel errors for panel operations.
var (
	// ErrServiceUnavailable is returned when the capability query fails or
	// the server reports a non-success status. The panel keeps running in a
	// "not connected" state.
	ErrServiceUnavailable = errors.New("annotation service unavailable")

	// ErrUnknownAction is returned when selecting a tab that is not registered.
	ErrUnknownAction = errors.New("unknown action")

	// ErrStaleTicket is returned when a completion arrives after a tab switch
	// invalidated the ticket it was issued under.
	ErrStaleTicket = errors.New("stale ticket")

	// ErrNoViewSink is returned by UpdateView when no segmentation list is attached.
	ErrNoViewSink = errors.New("no view sink attached")
)

// Hook names a module lifecycle or event handler.
type Hook string

const (
	HookEnter           Hook = "enter"
	HookLeave           Hook = "leave"
	HookSegmentCreated  Hook = "segment_created"
	HookSegmentUpdated  Hook = "segment_updated"
	HookSegmentDeleted  Hook = "segment_deleted"
	HookSegmentSelected Hook = "segment_selected"
	HookComplete        Hook = "complete"
)

// ModuleHandlerFault reports an error or panic raised by one module's
// handler. Faults are isolated: the remaining modules still get the event.
type ModuleHandlerFault struct {
	Module Name
	Hook   Hook
	Err    error
}

func (f *ModuleHandlerFault) Error() string {
	return fmt.Sprintf("%s %s handler: %v", f.Module, f.Hook, f.Err)
}

func (f *ModuleHandlerFault) Unwrap() error {
	return f.Err
}
