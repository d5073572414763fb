package web

import (
	"fmt"
	"net/http"

	log "github.com/go-pkgz/lgr"

	"github.com/umputun/contacts/app/web/persistence"
)

// handleIndex renders the contact submission form
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	s.render(w, "index", "base", s.newTemplateData(w, r))
}

// handleAdd stores submitted contact and always redirects to the listing.
// Failures are reported to the user via flash message on the next page.
func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	listURL := s.url("/contacts")

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestSize)
	if err := r.ParseForm(); err != nil {
		log.Printf("[WARN] failed to parse contact form: %v", err)
		s.flash.add(w, r, fmt.Sprintf("failed to save contact: %v", err))
		http.Redirect(w, r, listURL, http.StatusSeeOther)
		return
	}

	contact := persistence.Contact{
		Name:  r.PostFormValue("name"),
		Email: r.PostFormValue("email"),
		Phone: r.PostFormValue("phone"),
	}

	saved, err := s.store.Add(r.Context(), contact)
	if err != nil {
		log.Printf("[WARN] failed to save contact %q: %v", contact.Name, err)
		s.flash.add(w, r, fmt.Sprintf("failed to save contact: %v", err))
		http.Redirect(w, r, listURL, http.StatusSeeOther)
		return
	}

	log.Printf("[DEBUG] contact %d saved, name %q", saved.ID, saved.Name)
	http.Redirect(w, r, listURL, http.StatusSeeOther)
}

// handleContacts renders all contacts, newest first.
// On store error renders an empty list with the error message instead of failing the request.
func (s *Server) handleContacts(w http.ResponseWriter, r *http.Request) {
	data := s.newTemplateData(w, r)

	contacts, err := s.store.List(r.Context())
	if err != nil {
		log.Printf("[WARN] failed to load contacts: %v", err)
		contacts = []persistence.Contact{}
		data.Flashes = append(data.Flashes, fmt.Sprintf("failed to load contacts: %v", err))
	}
	data.Contacts = contacts

	s.render(w, "contacts", "base", data)
}
