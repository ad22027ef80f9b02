package web

import (
	"net/http"

	"github.com/wyrmtable/wyrmtable/internal/compendium"
	apperrors "github.com/wyrmtable/wyrmtable/internal/platform/errors"
	"github.com/wyrmtable/wyrmtable/internal/storage"
)

// handleCompendiumList returns every entry in one compendium category.
func (s *Server) handleCompendiumList(w http.ResponseWriter, r *http.Request, user storage.UserRecord) {
	category, err := compendium.ParseCategory(r.PathValue("category"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.catalog.List(category))
}

// handleCompendiumLookup returns one entry by name, case-insensitively.
func (s *Server) handleCompendiumLookup(w http.ResponseWriter, r *http.Request, user storage.UserRecord) {
	category, err := compendium.ParseCategory(r.PathValue("category"))
	if err != nil {
		writeError(w, err)
		return
	}
	item, ok := s.catalog.Lookup(category, r.PathValue("name"))
	if !ok {
		writeError(w, apperrors.New(apperrors.CodeNotFound, "no such compendium entry"))
		return
	}
	writeJSON(w, http.StatusOK, item)
}
