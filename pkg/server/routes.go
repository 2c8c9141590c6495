package server

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/otelfleet/opamp-agent/pkg/logutil"
)

// logRoutes logs every registered admin route at debug, colored by method.
func logRoutes(r *mux.Router, l *slog.Logger) {
	err := r.Walk(func(route *mux.Route, _ *mux.Router, _ []*mux.Route) error {
		path, err := route.GetPathTemplate()
		if err != nil {
			return nil
		}
		methods, err := route.GetMethods()
		if err != nil {
			methods = []string{http.MethodGet}
		}
		for _, method := range methods {
			logutil.WithMethod(l, method).Debug(path)
		}
		return nil
	})
	if err != nil {
		l.With("err", err).Warn("failed to walk admin routes")
	}
}
