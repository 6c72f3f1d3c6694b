package api

import (
	"corsrules/api/router/handlers"
	"corsrules/core"
	"corsrules/logger"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/jub0bs/cors"
)

// Options configures the API router.
type Options struct {
	// AllowedOrigins are the browser origins allowed to call the API
	// cross-origin, e.g. the companion extension. Empty means same-origin only.
	AllowedOrigins []string
}

// NewRouter creates the API handler. All registered paths are relative to the
// /api base path.
func NewRouter(svc *core.Service, opts Options) (http.Handler, error) {
	var corsMw *cors.Middleware
	if len(opts.AllowedOrigins) > 0 {
		mw, err := cors.NewMiddleware(cors.Config{
			Origins: opts.AllowedOrigins,
			Methods: []string{
				http.MethodGet,
				http.MethodPost,
				http.MethodPut,
				http.MethodPatch,
				http.MethodDelete,
			},
			RequestHeaders: []string{"Content-Type"},
		})
		if err != nil {
			return nil, fmt.Errorf("invalid API CORS configuration: %w", err)
		}
		corsMw = mw
	}

	router := chi.NewRouter()

	handlers.RegisterHealthRoutes(router)
	handlers.RegisterRuleRoutes(router, svc, originHosts(opts.AllowedOrigins))
	handlers.RegisterSettingsRoutes(router, svc)
	handlers.RegisterEngineRoutes(router, svc)
	handlers.RegisterTabRoutes(router, svc)
	handlers.RegisterEnforcementLogRoutes(router, svc)

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		logger.Error("API SUB-ROUTER CATCH-ALL: Unhandled route relative to /api: %s %s", r.Method, r.URL.Path)
		http.NotFound(w, r)
	})

	if corsMw == nil {
		return router, nil
	}
	logger.Info("API: cross-origin access allowed for %v", opts.AllowedOrigins)
	return corsMw.Wrap(router), nil
}

// originHosts turns origin patterns into the host patterns the websocket
// handshake checks against.
func originHosts(origins []string) []string {
	hosts := make([]string, 0, len(origins))
	for _, o := range origins {
		if _, host, ok := strings.Cut(o, "://"); ok {
			hosts = append(hosts, host)
		}
	}
	return hosts
}
