package panel

import (
	"context"

	"github.com/google/uuid"
)

// Ticket identifies an outbound request by the module that issued it and
// the tab generation it was issued under. Any tab switch bumps the
// generation, so completions carrying an older ticket are discarded.
type Ticket struct {
	ID         string
	Action     Name
	Generation uint64
}

// Task is asynchronous module work. Run performs the blocking call off the
// UI loop; Complete applies the result back on it, and only if the ticket
// is still current.
type Task struct {
	Ticket   Ticket
	Label    string
	Run      func(ctx context.Context) (any, error)
	Complete func(result any, err error) error
}

func newTicket(action Name, gen uint64) Ticket {
	return Ticket{ID: uuid.NewString(), Action: action, Generation: gen}
}
