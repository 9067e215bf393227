package observability

// Config captures opt-in observability toggles that wire into the HTTP
// surface. Profiling stays off unless explicitly enabled.
type Config struct {
	EnablePprof bool
}
