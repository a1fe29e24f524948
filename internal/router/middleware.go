package router

import "context"

// middlewareChain runs an ordered stack of Middleware over a message,
// terminating early (message dropped) when a stage returns a nil message.
type middlewareChain struct {
	stages []Middleware
}

func (c *middlewareChain) Use(m Middleware) {
	c.stages = append(c.stages, m)
}

// Run applies every stage in order; returns (nil, nil) if any stage drops
// the message, or (nil, err) if a stage errors.
func (c *middlewareChain) Run(ctx context.Context, msg NormalizedMessage) (*NormalizedMessage, error) {
	current := &msg
	for _, stage := range c.stages {
		if current == nil {
			return nil, nil
		}
		next, err := stage(ctx, current)
		if err != nil {
			return nil, err
		}
		current = next
	}
	return current, nil
}
