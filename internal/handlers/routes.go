package handlers

import (
	"github.com/gorilla/mux"

	"github.com/CortexcartLimited/cortexcart-publisher/internal/middleware"
)

// RegisterRoutes wires all pipeline routes onto r.
func RegisterRoutes(h *Handler, r *mux.Router) {
	r.HandleFunc("/health", h.Health).Methods("GET")

	// External cron trigger (bearer SCHEDULER_TRIGGER_SECRET).
	r.HandleFunc("/api/scheduler/trigger", h.TriggerScheduler).Methods("POST")

	// Direct per-platform dispatch (internal shared secret or user session,
	// enforced by the middleware).
	r.Handle("/api/publish/{platform}", middleware.InternalAuth(h.PublishPlatform)).Methods("POST")

	// Scheduled posts.
	r.HandleFunc("/api/posts/owner/{ownerId}", h.ListPostsForOwner).Methods("GET")
	r.HandleFunc("/api/posts/{id}/reschedule", h.ReschedulePost).Methods("POST")
	r.HandleFunc("/api/posts/{id}/publish", h.PublishNowPost).Methods("POST")

	// Platform credentials (the OAuth handshake itself lives elsewhere).
	r.HandleFunc("/api/credentials/{ownerId}/{platform}", h.UpsertCredential).Methods("PUT")
	r.HandleFunc("/api/credentials/{ownerId}/{platform}", h.DisconnectCredential).Methods("DELETE")

	// Notifications written by the result recorder.
	r.HandleFunc("/api/notifications/owner/{ownerId}", h.ListNotificationsForOwner).Methods("GET")
	r.HandleFunc("/api/notifications/owner/{ownerId}/{id}/read", h.MarkNotificationRead).Methods("POST")

	// Realtime events for the dashboard.
	r.HandleFunc("/api/events/ws", h.EventsWebSocket)
}
