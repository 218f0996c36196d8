package store

import (
	"context"
	"errors"

	"github.com/GriffinCanCode/gmsandbox/internal/shared/id"
	"github.com/GriffinCanCode/gmsandbox/internal/shared/types"
)

// ErrUnknownScript is returned for a script the store has never seen
var ErrUnknownScript = errors.New("unknown script")

// Store persists script values. Values are JSON documents.
type Store interface {
	// GetScriptValue returns every stored value of a script
	GetScriptValue(ctx context.Context, scriptID id.ScriptID) (map[string][]byte, error)
	// SetValues applies changes and fans out one ValueUpdate tagged with sender
	SetValues(ctx context.Context, scriptID id.ScriptID, sender id.RunFlag, changes []types.ValueChange) error
	// Subscribe registers fn for updates of scriptID. The returned func unsubscribes.
	Subscribe(scriptID id.ScriptID, fn func(types.ValueUpdate)) func()
}
