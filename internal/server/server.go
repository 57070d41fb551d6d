// internal/server/server.go
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"cuhkszlibrary/internal/auth"
	"cuhkszlibrary/internal/catalog"
	"cuhkszlibrary/internal/circulation"
	"cuhkszlibrary/internal/notification"
	"cuhkszlibrary/internal/report"
	"cuhkszlibrary/internal/respond"
)

// Pinger reports whether the store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the services behind the HTTP API.
type Deps struct {
	Circulation      circulation.Service
	Catalog          catalog.Service
	Notifications    notification.Service
	Reports          report.Service
	Verifier         *auth.Verifier
	Health           Pinger
	Logger           *zap.Logger
	PatronRatePerMin int
}

// NewRouter builds the chi router for the whole API.
func NewRouter(d Deps) http.Handler {
	circulationHandler := circulation.NewHandler(d.Circulation)
	catalogHandler := catalog.NewHandler(d.Catalog)
	notificationHandler := notification.NewHandler(d.Notifications)
	reportHandler := report.NewHandler(d.Reports)
	limiter := newPatronLimiter(d.PatronRatePerMin)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog(d.Logger.Named("http")))
	r.Use(middleware.Recoverer)
	r.Use(correlate)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := d.Health.Ping(ctx); err != nil {
			d.Logger.Warn("health check failed", zap.Error(err))
			respond.Msg(w, http.StatusServiceUnavailable, "Database unavailable.")
			return
		}
		respond.Msg(w, http.StatusOK, "ok")
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(d.Verifier.Authenticate)

		r.Route("/patron", func(r chi.Router) {
			r.Use(auth.RequireRole(auth.RolePatron))
			r.Use(limiter.Middleware)

			r.Get("/search", catalogHandler.HandleSearch)
			r.Get("/resources/{id}", catalogHandler.HandleGetResource)
			r.Post("/borrow", circulationHandler.HandleBorrow)
			r.Put("/renew", circulationHandler.HandleRenew)
			r.Put("/renew-borrowing/{borrowingID}", circulationHandler.HandleRenewByPath)
			r.Post("/return", circulationHandler.HandleReturn)
			r.Post("/reserve", circulationHandler.HandleReserve)
			r.Get("/get-borrowed-books", circulationHandler.HandleBorrowedBooks)
			r.Get("/borrow-history", circulationHandler.HandleHistory)
			r.Get("/reservations", circulationHandler.HandleReservations)
			r.Get("/notifications", notificationHandler.HandleInbox)
			r.Put("/notifications/{id}/read", notificationHandler.HandleMarkRead)
		})

		r.Route("/librarian", func(r chi.Router) {
			r.Use(auth.RequireRole(auth.RoleLibrarian))

			r.Post("/add-resource", catalogHandler.HandleAddResource)
			r.Get("/get-resources", catalogHandler.HandleListResources)
			r.Get("/resources/{id}", catalogHandler.HandleGetResource)
			r.Put("/edit-resource/{id}", catalogHandler.HandleEditResource)
			r.Delete("/delete-resource/{id}", catalogHandler.HandleDeleteResource)
			r.Put("/borrowings/{id}/return", circulationHandler.HandleCheckIn)
			r.Put("/handle-reservation/{id}", circulationHandler.HandleResolveReservation)
			r.Get("/track-inventory", reportHandler.HandleTrackInventory)
			r.Get("/generate-reports", reportHandler.HandleGenerateReports)
			r.Get("/overdue", reportHandler.HandleOverdue)
			r.Post("/overdue-sweep", reportHandler.HandleOverdueSweep)
			r.Post("/send-notification", notificationHandler.HandleSend)
		})
	})

	return r
}
