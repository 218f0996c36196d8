package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/gmsandbox/internal/logging"
	"github.com/GriffinCanCode/gmsandbox/internal/shared/id"
	"github.com/GriffinCanCode/gmsandbox/internal/shared/types"
)

// Memory is an in-process Store. Subscribers are called synchronously, outside
// the lock, in subscription order.
type Memory struct {
	mu     sync.RWMutex
	values map[id.ScriptID]map[string][]byte
	subs   map[id.ScriptID][]*subscription
	nextID uint64
	logger *logging.Logger
}

type subscription struct {
	id uint64
	fn func(types.ValueUpdate)
}

// NewMemory creates an empty store
func NewMemory(logger *logging.Logger) *Memory {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Memory{
		values: make(map[id.ScriptID]map[string][]byte),
		subs:   make(map[id.ScriptID][]*subscription),
		logger: logger.Named("store"),
	}
}

// Register makes a script known with no values. Registering twice is a no-op.
func (m *Memory) Register(scriptID id.ScriptID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.values[scriptID]; !ok {
		m.values[scriptID] = make(map[string][]byte)
	}
}

// Seed registers a script and stores values without notifying subscribers
func (m *Memory) Seed(scriptID id.ScriptID, values map[string]any) error {
	encoded := make(map[string][]byte, len(values))
	for k, v := range values {
		data, err := sonic.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to encode value %q: %w", k, err)
		}
		encoded[k] = data
	}

	m.Register(scriptID)
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range encoded {
		m.values[scriptID][k] = v
	}
	return nil
}

// GetScriptValue implements Store
func (m *Memory) GetScriptValue(ctx context.Context, scriptID id.ScriptID) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	values, ok := m.values[scriptID]
	if !ok {
		return nil, ErrUnknownScript
	}
	out := make(map[string][]byte, len(values))
	for k, v := range values {
		out[k] = append([]byte(nil), v...)
	}
	return out, nil
}

// SetValues implements Store. Every value must be valid JSON.
func (m *Memory) SetValues(ctx context.Context, scriptID id.ScriptID, sender id.RunFlag, changes []types.ValueChange) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, c := range changes {
		if c.Deleted {
			continue
		}
		var probe any
		if err := sonic.Unmarshal(c.Value, &probe); err != nil {
			return fmt.Errorf("invalid value for %q: %w", c.Key, err)
		}
	}

	m.mu.Lock()
	values, ok := m.values[scriptID]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownScript
	}
	update := types.ValueUpdate{
		ScriptID:  scriptID,
		Sender:    sender,
		Changes:   make([]types.ValueChange, 0, len(changes)),
		OldValues: make(map[string][]byte, len(changes)),
	}
	for _, c := range changes {
		if _, seen := update.OldValues[c.Key]; !seen {
			update.OldValues[c.Key] = values[c.Key]
		}
		if c.Deleted {
			delete(values, c.Key)
		} else {
			values[c.Key] = append([]byte(nil), c.Value...)
		}
		update.Changes = append(update.Changes, c)
	}
	subs := append([]*subscription(nil), m.subs[scriptID]...)
	m.mu.Unlock()

	m.logger.Debug("values written",
		zap.String("script", scriptID.String()),
		zap.String("sender", sender.String()),
		zap.Int("changes", len(changes)))

	for _, s := range subs {
		s.fn(update)
	}
	return nil
}

// Subscribe implements Store
func (m *Memory) Subscribe(scriptID id.ScriptID, fn func(types.ValueUpdate)) func() {
	m.mu.Lock()
	m.nextID++
	sub := &subscription{id: m.nextID, fn: fn}
	m.subs[scriptID] = append(m.subs[scriptID], sub)
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			list := m.subs[scriptID]
			for i, s := range list {
				if s.id == sub.id {
					m.subs[scriptID] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
			if len(m.subs[scriptID]) == 0 {
				delete(m.subs, scriptID)
			}
		})
	}
}

// Subscribers returns the number of live subscriptions for a script
func (m *Memory) Subscribers(scriptID id.ScriptID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs[scriptID])
}

// Decode returns every value of a script decoded into Go values, keys sorted
func (m *Memory) Decode(scriptID id.ScriptID) (map[string]any, []string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	values, ok := m.values[scriptID]
	if !ok {
		return nil, nil, ErrUnknownScript
	}
	out := make(map[string]any, len(values))
	keys := make([]string, 0, len(values))
	for k, raw := range values {
		var v any
		if err := sonic.Unmarshal(raw, &v); err != nil {
			return nil, nil, fmt.Errorf("failed to decode %q: %w", k, err)
		}
		out[k] = v
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return out, keys, nil
}
