package server

import (
	"errors"
	"net/http"
	"strings"

	"ebookstore/pkg/domain"
	"ebookstore/services/storefront/internal/app"
)

// /admin/books
func (s *Server) handleAdminBooks(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodGet:
		s.handleBooks(w, r)
	case http.MethodPost:
		var in app.BookInput
		if !decodeJSON(w, r, &in) {
			return
		}
		book, err := s.app.CreateBook(r.Context(), in)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		s.audit(r, "storefront.admin.book.create", "success", "admin_id", user.ID, "book_id", book.ID)
		writeJSON(w, http.StatusCreated, book)
	default:
		methodNotAllowed(w)
	}
}

// /admin/books/{id}, /admin/books/{id}/file, /admin/books/{id}/cover
func (s *Server) handleAdminBookByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	path := strings.TrimPrefix(r.URL.Path, "/admin/books/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		notFound(w, "not found")
		return
	}
	if len(parts) == 2 {
		if r.Method != http.MethodPost && r.Method != http.MethodPut {
			methodNotAllowed(w)
			return
		}
		switch parts[1] {
		case "file":
			s.handleUploadBookFile(w, r, id)
		case "cover":
			s.handleUploadCover(w, r, id)
		default:
			notFound(w, "not found")
		}
		return
	}

	switch r.Method {
	case http.MethodGet:
		book, err := s.app.GetBook(r.Context(), id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, book)
	case http.MethodPut, http.MethodPatch:
		var in app.BookInput
		if !decodeJSON(w, r, &in) {
			return
		}
		book, err := s.app.UpdateBook(r.Context(), id, in)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		s.audit(r, "storefront.admin.book.update", "success", "admin_id", user.ID, "book_id", id)
		writeJSON(w, http.StatusOK, book)
	case http.MethodDelete:
		if err := s.app.DeleteBook(r.Context(), id); err != nil {
			writeAppError(w, r, err)
			return
		}
		s.audit(r, "storefront.admin.book.delete", "success", "admin_id", user.ID, "book_id", id)
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleUploadBookFile(w http.ResponseWriter, r *http.Request, id string) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if !parseUploadForm(w, r) {
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required (field: file)")
		return
	}
	defer file.Close()
	book, err := s.app.UploadBookFile(r.Context(), id, file, s.maxUploadBytes)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (s *Server) handleUploadCover(w http.ResponseWriter, r *http.Request, id string) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxCoverBytes)
	if !parseUploadForm(w, r) {
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required (field: file)")
		return
	}
	defer file.Close()
	book, err := s.app.UploadCover(r.Context(), id, header.Filename, file, header.Size)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func parseUploadForm(w http.ResponseWriter, r *http.Request) bool {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid form data")
		return false
	}
	return true
}

// /admin/authors
func (s *Server) handleAdminAuthors(w http.ResponseWriter, r *http.Request, _ domain.User) {
	switch r.Method {
	case http.MethodGet:
		s.handleAuthors(w, r)
	case http.MethodPost:
		var in app.AuthorInput
		if !decodeJSON(w, r, &in) {
			return
		}
		author, err := s.app.SaveAuthor(r.Context(), "", in)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, author)
	default:
		methodNotAllowed(w)
	}
}

// /admin/authors/{id}
func (s *Server) handleAdminAuthorByID(w http.ResponseWriter, r *http.Request, _ domain.User) {
	id := strings.TrimPrefix(r.URL.Path, "/admin/authors/")
	if id == "" || strings.Contains(id, "/") {
		notFound(w, "not found")
		return
	}
	switch r.Method {
	case http.MethodPut, http.MethodPatch:
		var in app.AuthorInput
		if !decodeJSON(w, r, &in) {
			return
		}
		author, err := s.app.SaveAuthor(r.Context(), id, in)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, author)
	case http.MethodDelete:
		if err := s.app.DeleteAuthor(r.Context(), id); err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w)
	}
}

// /admin/categories
func (s *Server) handleAdminCategories(w http.ResponseWriter, r *http.Request, _ domain.User) {
	switch r.Method {
	case http.MethodGet:
		s.handleCategories(w, r)
	case http.MethodPost:
		var in app.CategoryInput
		if !decodeJSON(w, r, &in) {
			return
		}
		category, err := s.app.SaveCategory(r.Context(), "", in)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, category)
	default:
		methodNotAllowed(w)
	}
}

// /admin/categories/{id}
func (s *Server) handleAdminCategoryByID(w http.ResponseWriter, r *http.Request, _ domain.User) {
	id := strings.TrimPrefix(r.URL.Path, "/admin/categories/")
	if id == "" || strings.Contains(id, "/") {
		notFound(w, "not found")
		return
	}
	switch r.Method {
	case http.MethodPut, http.MethodPatch:
		var in app.CategoryInput
		if !decodeJSON(w, r, &in) {
			return
		}
		category, err := s.app.SaveCategory(r.Context(), id, in)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, category)
	case http.MethodDelete:
		if err := s.app.DeleteCategory(r.Context(), id); err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w)
	}
}

// /admin/orders?status=
func (s *Server) handleAdminOrders(w http.ResponseWriter, r *http.Request, _ domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	status := domain.OrderStatus(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("status"))))
	orders, err := s.app.ListOrders(r.Context(), status)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": orders, "count": len(orders)})
}

// /admin/orders/{id}/complete or /admin/orders/{id}/cancel
func (s *Server) handleAdminOrderByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	path := strings.TrimPrefix(r.URL.Path, "/admin/orders/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" {
		notFound(w, "not found")
		return
	}
	id, action := parts[0], parts[1]
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var (
		order domain.Order
		err   error
	)
	switch action {
	case "complete":
		order, err = s.app.CompleteOrder(r.Context(), id)
	case "cancel":
		order, err = s.app.CancelOrder(r.Context(), id)
	default:
		notFound(w, "not found")
		return
	}
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "storefront.admin.order."+action, "success", "admin_id", user.ID, "order_id", id)
	writeJSON(w, http.StatusOK, order)
}
