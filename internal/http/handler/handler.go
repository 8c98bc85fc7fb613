package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bda-association/bda-portal/internal/http/middleware"
	"github.com/bda-association/bda-portal/internal/http/response"
	"github.com/bda-association/bda-portal/internal/repository"
	"github.com/bda-association/bda-portal/internal/service"
)

// decodeJSON rejects unknown fields and trailing data and writes the error
// response itself. It reports whether the handler should continue.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if middleware.IsBodyTooLarge(err) {
			response.Error(w, r, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "request body too large", nil)
			return false
		}
		msg := "invalid request payload"
		if errors.Is(err, io.EOF) {
			msg = "request body is required"
		}
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", msg, nil)
		return false
	}
	if dec.More() {
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "unexpected data after JSON body", nil)
		return false
	}
	return true
}

func actorFrom(w http.ResponseWriter, r *http.Request) (service.Actor, bool) {
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing auth context", nil)
		return service.Actor{}, false
	}
	return actor, true
}

func pathUint(w http.ResponseWriter, r *http.Request, name string) (uint, bool) {
	id, err := parsePathID(chi.URLParam(r, name))
	if err != nil {
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "invalid "+name, nil)
		return 0, false
	}
	return id, true
}

func parsePathID(input string) (uint, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(input), 10, 64)
	if err != nil || v == 0 {
		return 0, errors.New("id must be a positive integer")
	}
	return uint(v), nil
}

func optionalUintQuery(r *http.Request, name string) (*uint, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return nil, nil
	}
	v, err := parsePathID(raw)
	if err != nil {
		return nil, fmt.Errorf("%s must be a positive integer", name)
	}
	return &v, nil
}

func optionalTimeQuery(r *http.Request, name string) (*time.Time, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("%s must be an RFC3339 timestamp", name)
	}
	return &t, nil
}

func parsePageRequest(r *http.Request) (repository.PageRequest, error) {
	page := repository.DefaultPage
	pageSize := repository.DefaultPageSize
	if raw := strings.TrimSpace(r.URL.Query().Get("page")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			return repository.PageRequest{}, errors.New("page must be a positive integer")
		}
		page = v
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("page_size")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			return repository.PageRequest{}, errors.New("page_size must be a positive integer")
		}
		if v > repository.MaxPageSize {
			return repository.PageRequest{}, fmt.Errorf("page_size must be <= %d", repository.MaxPageSize)
		}
		pageSize = v
	}
	return repository.PageRequest{Page: page, PageSize: pageSize}, nil
}

func badQuery(w http.ResponseWriter, r *http.Request, err error) {
	response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
}

func paginatedData[T any](res repository.PageResult[T]) map[string]any {
	items := res.Items
	if items == nil {
		items = []T{}
	}
	return map[string]any{
		"items": items,
		"pagination": map[string]any{
			"page":        res.Page,
			"page_size":   res.PageSize,
			"total":       res.Total,
			"total_pages": res.TotalPages,
		},
	}
}

func listData[T any](items []T) map[string]any {
	if items == nil {
		items = []T{}
	}
	return map[string]any{"items": items}
}
