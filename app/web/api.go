package web

import (
	"net/http"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"

	"github.com/umputun/contacts/app/web/persistence"
)

// APIContactsResponse is the JSON response for /api/v1/contacts
type APIContactsResponse struct {
	Contacts []APIContact `json:"contacts"`
	Total    int          `json:"total"`
}

// APIContact represents a contact in JSON API response
type APIContact struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Phone     string    `json:"phone"`
	CreatedAt time.Time `json:"created_at"`
}

// toAPIContact converts persistence.Contact to APIContact
func toAPIContact(c persistence.Contact) APIContact {
	return APIContact{ID: c.ID, Name: c.Name, Email: c.Email, Phone: c.Phone, CreatedAt: c.CreatedAt}
}

// handleAPIContacts returns all contacts as JSON, newest first
func (s *Server) handleAPIContacts(w http.ResponseWriter, r *http.Request) {
	contacts, err := s.store.List(r.Context())
	if err != nil {
		rest.SendErrorJSON(w, r, log.Default(), http.StatusInternalServerError, err, "failed to load contacts")
		return
	}

	resp := APIContactsResponse{Contacts: make([]APIContact, 0, len(contacts)), Total: len(contacts)}
	for _, c := range contacts {
		resp.Contacts = append(resp.Contacts, toAPIContact(c))
	}
	rest.RenderJSON(w, resp)
}
