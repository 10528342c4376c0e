package expressions

import (
	"context"
	"sync"
)

// Engine evaluates expressions against flow data.
// CEL guards trigger conditions, Expr backs the "expression" condition
// operator, and GoJQ extracts fields from HTTP action responses.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// programCache memoizes compiled expressions. Safe for concurrent use.
type programCache[P any] struct {
	mu      sync.RWMutex
	entries map[string]P
}

func newProgramCache[P any]() *programCache[P] {
	return &programCache[P]{entries: make(map[string]P)}
}

// get returns the cached program for expression, compiling it on a miss.
func (c *programCache[P]) get(expression string, compile func() (P, error)) (P, error) {
	c.mu.RLock()
	p, ok := c.entries[expression]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.entries[expression]; ok {
		return p, nil
	}
	p, err := compile()
	if err != nil {
		return p, err
	}
	c.entries[expression] = p
	return p, nil
}

func (c *programCache[P]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
