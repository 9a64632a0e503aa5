package middleware

import "time"

// Limit allows Requests per Window
type Limit struct {
	Requests int
	Window   time.Duration
}

// RateLimitPolicy maps route templates, as reported by gin's FullPath, to
// limits. Routes without an entry use Default.
type RateLimitPolicy struct {
	Default Limit
	Routes  map[string]Limit
}

// For returns the limit of a route
func (p RateLimitPolicy) For(route string) Limit {
	if l, ok := p.Routes[route]; ok && l.Requests > 0 && l.Window > 0 {
		return l
	}
	return p.Default
}
