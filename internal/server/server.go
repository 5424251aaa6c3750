package server

import "net/http"

// Hooks carries optional callbacks the HTTP layer surfaces to clients.
type Hooks struct {
	Warnings func() []string
}

// Handler builds the HTTP surface: the event stream at /ws and the control
// API under /api/.
func Handler(hub *Hub, ctrl SessionControl, recapper Recapper, hooks Hooks) http.Handler {
	mux := http.NewServeMux()

	registerWSRoute(mux, hub)
	registerAPIRoutes(mux, hub, ctrl, recapper, hooks)

	return mux
}
