package proxy

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/splax/covibes/internal/service/preview"
)

// DefaultBasePath is where the proxy is mounted.
const DefaultBasePath = "/api/preview/proxy"

var teamIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Route is the per-request mapping from the public path to a team backend.
type Route struct {
	TeamID string
	// Prefix is the public path prefix stripped before forwarding, e.g.
	// /api/preview/proxy/demo-team-001.
	Prefix string
	// Path and RawPath are the backend request path.
	Path    string
	RawPath string
}

// ParseRoute extracts the tenant and backend path from r.
func ParseRoute(basePath string, r *http.Request) (Route, error) {
	basePath = strings.TrimSuffix(basePath, "/")
	rest, ok := strings.CutPrefix(r.URL.Path, basePath+"/")
	if !ok {
		return Route{}, fmt.Errorf("%w: path outside %s", preview.ErrRouting, basePath)
	}
	teamID, subPath, _ := strings.Cut(rest, "/")
	if !teamIDPattern.MatchString(teamID) {
		return Route{}, fmt.Errorf("%w: invalid team id", preview.ErrRouting)
	}
	route := Route{
		TeamID: teamID,
		Prefix: basePath + "/" + teamID,
		Path:   "/" + subPath,
	}
	if r.URL.RawPath != "" {
		if escaped, ok := strings.CutPrefix(r.URL.EscapedPath(), route.Prefix); ok {
			if escaped == "" {
				escaped = "/"
			}
			route.RawPath = escaped
		}
	}
	return route, nil
}
