package service

import (
	"github.com/yungbote/keel/internal/state"
)

// Ctx is the hook context flowing through one service call. Hooks may
// mutate ID, Data and Params before the service runs, inspect or replace
// the result after, and observe or clear the captured error in the error
// phase. A Ctx lives on one goroutine for the duration of the call and
// is not safe for concurrent use.
type Ctx struct {
	App         *App
	ServicePath string
	Method      Method
	ID          string
	Params      Params
	Data        any

	// Config is an immutable snapshot of the app's published config
	// keys, taken when the call started.
	Config state.Snapshot

	result    any
	resultSet bool
	err       error
}

// Result returns the call result and whether one has been produced.
func (c *Ctx) Result() (any, bool) { return c.result, c.resultSet }

// HasResult reports whether the result has been set, including to nil.
func (c *Ctx) HasResult() bool { return c.resultSet }

// SetResult installs the call result. An around hook that sets it and
// returns without invoking next short-circuits the rest of the pipeline;
// a before hook that sets it suppresses the service call.
func (c *Ctx) SetResult(v any) {
	c.result = v
	c.resultSet = true
}

func (c *Ctx) ClearResult() {
	c.result = nil
	c.resultSet = false
}

// Err returns the captured error, if any stage raised.
func (c *Ctx) Err() error { return c.err }

// SetErr replaces the captured error.
func (c *Ctx) SetErr(err error) { c.err = err }

// Recover clears the captured error and installs a result, turning a
// failed call into a successful one. Only meaningful inside error hooks.
func (c *Ctx) Recover(result any) {
	c.err = nil
	c.SetResult(result)
}
