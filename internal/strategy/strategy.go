package strategy

import (
	"net/http"

	"github.com/angeloszaimis/pathproxy/internal/routing"
)

const (
	Pooled = "pooled"
	Raw    = "raw"
)

// Strategy relays a matched request to its upstream and writes the upstream
// answer to w. Implementations always write a response; transport failures
// become 5xx responses, never panics or returned errors.
type Strategy interface {
	Name() string
	Forward(w http.ResponseWriter, r *http.Request, route routing.Route)
}
