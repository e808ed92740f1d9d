package recordsync

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// Handler returns the HTTP routes of the application:
//
//	GET    /api/health
//	GET    /api/records
//	POST   /api/records
//	GET    /api/records/{id}
//	DELETE /api/records/{id}
//	GET    /api/records/{id}/patches?since=N&limit=M
//	POST   /api/records/{id}/patches
//	POST   /api/records/{id}/publish
//	GET    /api/records/{id}/presence
//	GET    /api/admin/read-only
//	POST   /api/admin/read-only
//	GET    /ws/records/{id}
func (a *App) Handler() http.Handler {
	router := mux.NewRouter()

	api := router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", a.handleHealth).Methods("GET")

	api.HandleFunc("/records", a.handleListRecords).Methods("GET")
	api.HandleFunc("/records", a.handleCreateRecord).Methods("POST")
	api.HandleFunc("/records/{id}", a.handleGetRecord).Methods("GET")
	api.HandleFunc("/records/{id}", a.handleDeleteRecord).Methods("DELETE")
	api.HandleFunc("/records/{id}/patches", a.handleListPatches).Methods("GET")
	api.HandleFunc("/records/{id}/patches", a.handleApplyPatch).Methods("POST")
	api.HandleFunc("/records/{id}/publish", a.handlePublish).Methods("POST")
	api.HandleFunc("/records/{id}/presence", a.handlePresence).Methods("GET")

	api.HandleFunc("/admin/read-only", a.handleGetReadOnly).Methods("GET")
	api.HandleFunc("/admin/read-only", a.handleSetReadOnly).Methods("POST")

	router.HandleFunc("/ws/records/{id}", a.handleRecordSocket).Methods("GET")
	router.HandleFunc("/health", a.handleHealth).Methods("GET")

	return router
}

// Run serves until ctx is done, then ends every editing session and shuts
// the server down.
func (a *App) Run(ctx context.Context, cmd *RunCommand) error {
	addr := fmt.Sprintf(":%s", a.config.ServerPort)
	a.logger.Info("starting recordsync server", "addr", addr, "store", a.config.Store, "read_only", a.IsReadOnly())

	server := &http.Server{
		Addr:              addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.hub.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("editing sessions did not finish", "error", err)
		}
		return server.Shutdown(shutdownCtx)
	case err := <-serverErr:
		return err
	}
}
