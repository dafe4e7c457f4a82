package controllers

import (
	_ "embed"
	"net/http"
	"strconv"
	"sync"

	"github.com/blang/semver"
	"sigs.k8s.io/yaml"
)

//go:embed openapi.yaml
var openAPISpec []byte

var versionOnce = sync.OnceValues(func() (map[string]string, error) {
	var doc struct {
		Info struct {
			Version string `json:"version"`
		} `json:"info"`
	}
	if err := yaml.Unmarshal(openAPISpec, &doc); err != nil {
		return nil, err
	}
	version, err := semver.Parse(doc.Info.Version)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"major": strconv.FormatUint(version.Major, 10),
		"minor": strconv.FormatUint(version.Minor, 10),
		"patch": strconv.FormatUint(version.Patch, 10),
	}, nil
})

// getVersion reports the API version, read from the packaged API document.
func (s *Server) getVersion(w http.ResponseWriter, r *http.Request) {
	version, err := versionOnce()
	if err != nil {
		s.log.Error(err, "parsing the packaged API version failed")
		problem(w, http.StatusInternalServerError, "Unable to determine the API version",
			"The packaged API document could not be parsed")
		return
	}
	writeJSON(w, http.StatusOK, version)
}
