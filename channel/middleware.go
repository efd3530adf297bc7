package channel

// Middleware decorates an output, e.g. to log, pace or retry writes.
type Middleware func(next OutputFunc) OutputFunc

// Chain composes middlewares so that the first one is outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next OutputFunc) OutputFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
