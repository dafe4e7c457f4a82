package controllers

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/Cray-HPE/cfs-api/internal/store"
)

// pageQuery carries the paging parameters of a v3 list call plus the full
// parameter set, which is echoed back in the "next" descriptor.
type pageQuery struct {
	limit   int
	afterID string
	params  map[string]any
}

// pageParams resolves limit and after_id from the query string, defaulting
// the limit from the options record.
func (s *Server) pageParams(r *http.Request) (pageQuery, error) {
	query := pageQuery{params: map[string]any{}}
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			query.params[key] = values[0]
		}
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return query, fmt.Errorf("limit must be a positive integer")
		}
		query.limit = limit
	}
	query.limit = s.opts.Current().PageLimit(query.limit)
	query.afterID = r.URL.Query().Get("after_id")
	query.params["limit"] = query.limit
	return query, nil
}

// pagedResponse wraps one page of entries in the v3 list envelope. The
// "next" descriptor repeats the call parameters with after_id moved to the
// last returned key, or is null on the final page.
func pagedResponse(kind, idField string, page store.Page, query pageQuery) map[string]any {
	entries := page.Entries
	if entries == nil {
		entries = []store.Entry{}
	}
	response := map[string]any{kind: entries, "next": nil}
	if page.NextPageExists && len(entries) > 0 {
		next := make(map[string]any, len(query.params)+1)
		for key, value := range query.params {
			next[key] = value
		}
		next["after_id"] = store.StringField(entries[len(entries)-1], idField)
		response["next"] = next
	}
	return response
}

// singlePage drains a full, unpaged result for the v2 surface. It reports an
// error when the matches exceed one default page.
func (s *Server) singlePage(page store.Page) ([]store.Entry, bool) {
	if page.Entries == nil {
		page.Entries = []store.Entry{}
	}
	return page.Entries, !page.NextPageExists
}

// tooLarge writes the v2 oversized-response problem.
func tooLarge(w http.ResponseWriter) {
	problem(w, http.StatusBadRequest, "The response size is too large",
		"The response size exceeds the default_page_size.  Use the v3 API to page through the results.")
}
