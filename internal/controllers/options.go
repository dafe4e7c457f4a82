package controllers

import (
	"fmt"
	"net/http"
	"slices"

	"github.com/Cray-HPE/cfs-api/internal/options"
	"github.com/Cray-HPE/cfs-api/internal/store"
	"github.com/Cray-HPE/cfs-api/internal/xlate"
)

func (s *Server) getOptionsV3(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Current().Data())
}

func (s *Server) getOptionsV2(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, xlate.OptionsToV2(s.opts.Current().Data()))
}

func (s *Server) patchOptionsV3(w http.ResponseWriter, r *http.Request) {
	s.patchOptions(w, r, false)
}

func (s *Server) patchOptionsV2(w http.ResponseWriter, r *http.Request) {
	s.patchOptions(w, r, true)
}

func (s *Server) patchOptions(w http.ResponseWriter, r *http.Request, v2 bool) {
	ctx := r.Context()
	var data store.Entry
	if err := decodeBody(r, &data); err != nil {
		problem(w, http.StatusBadRequest, "Error parsing the data provided.", err.Error())
		return
	}
	if v2 {
		data = xlate.OptionsFromV2(data)
	}
	known := xlate.OptionKeys()
	for key := range data {
		if !slices.Contains(known, key) {
			problem(w, http.StatusBadRequest, "Error validating the options provided.",
				fmt.Sprintf("%q is not a valid option", key))
			return
		}
	}
	stored, err := s.optionsStore.Patch(ctx, options.Key, data,
		store.WithDefaultEntry(store.Entry{}))
	if err != nil {
		s.storeProblem(w, err, "Options", options.Key)
		return
	}
	// Pick up a changed logging_level or page size immediately.
	if err := s.opts.Refresh(ctx); err != nil {
		s.log.Error(err, "options refresh failed after patch")
	}
	if v2 {
		writeJSON(w, http.StatusOK, xlate.OptionsToV2(stored))
		return
	}
	writeJSON(w, http.StatusOK, stored)
}
