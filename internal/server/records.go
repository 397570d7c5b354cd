package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/HerbHall/herbarium/internal/repository"
	"github.com/HerbHall/herbarium/pkg/models"
)

const maxBodyBytes = 1 << 20

// pageResponse is one page of GET /api/v1/records.
type pageResponse struct {
	Records    []models.Record `json:"records"`
	Offset     int             `json:"offset"`
	Limit      int             `json:"limit"`
	Last       bool            `json:"last"`
	NextOffset *int            `json:"next_offset,omitempty"`
}

// recordBody is the writable part of a record.
type recordBody struct {
	ID          string `json:"id,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description"`
	ImageRef    string `json:"image_ref"`
}

func (b recordBody) record() models.Record {
	return models.Record{ID: b.ID, Title: b.Title, Description: b.Description, ImageRef: b.ImageRef}
}

// parseQuery reads search and sort parameters shared by the list endpoint
// and the stream.
func parseQuery(v url.Values) (models.Query, error) {
	order, err := models.ParseSortOrder(v.Get("sort"))
	if err != nil {
		return models.Query{}, fmt.Errorf("%w: %w", repository.ErrInvalidParameters, err)
	}
	return models.Query{Search: v.Get("search"), Order: order}, nil
}

func intParam(v url.Values, name string, def int) (int, error) {
	raw := v.Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", repository.ErrInvalidParameters, name)
	}
	return n, nil
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	q, err := parseQuery(params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := intParam(params, "limit", s.repo.PageSize())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	offset, err := intParam(params, "offset", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	page, err := s.repo.Page(r.Context(), q, limit, offset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := pageResponse{
		Records: page.Records,
		Offset:  page.Offset,
		Limit:   limit,
		Last:    page.Last,
	}
	if resp.Records == nil {
		resp.Records = []models.Record{}
	}
	if !page.Last {
		next := offset + limit
		resp.NextOffset = &next
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.repo.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleCreateRecord(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decodeRecord(w, r)
	if !ok {
		return
	}
	rec, err := s.repo.Create(r.Context(), body.record())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/records/"+url.PathEscape(rec.ID))
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleUpdateRecord(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decodeRecord(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if body.ID != "" && body.ID != id {
		WriteProblem(w, NewProblem(http.StatusBadRequest, "id in body does not match path", r.URL.Path))
		return
	}
	body.ID = id
	rec, err := s.repo.Update(r.Context(), body.record())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) decodeRecord(w http.ResponseWriter, r *http.Request) (recordBody, bool) {
	var body recordBody
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		WriteProblem(w, NewProblem(status, "invalid record body: "+err.Error(), r.URL.Path))
		return recordBody{}, false
	}
	return body, true
}
