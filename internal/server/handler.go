package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// WrapBasePath mounts the handler under the provided base path. The bare
// base redirects to its slash form.
func WrapBasePath(base string, handler http.Handler) http.Handler {
	if base == "" {
		return handler
	}
	root := chi.NewRouter()
	root.Get(base, func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, base+"/", http.StatusMovedPermanently)
	})
	root.Mount(base+"/", http.StripPrefix(base, handler))
	return root
}
