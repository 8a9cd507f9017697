package httptrigger

import (
	"net/http"
	"path"
	"sort"
	"strings"

	"github.com/gorilla/mux"
)

// HealthPath answers 200 while the executor is serving.
const HealthPath = "/.well-known/spin/health"

const wildcard = "/..."

// route is a component route joined to the application base path.
type route struct {
	handler   http.Handler
	pattern   string
	prefix    string
	component string
	wild      bool
}

func newRoute(base, pattern, component string, h http.Handler) route {
	wild := strings.HasSuffix(pattern, wildcard) || pattern == "..."
	p := strings.TrimSuffix(strings.TrimSuffix(pattern, wildcard), "...")
	return route{
		handler:   h,
		pattern:   pattern,
		prefix:    joinPath(base, p),
		component: component,
		wild:      wild,
	}
}

func joinPath(base, p string) string {
	joined := path.Join("/", base, p)
	if joined == "/" {
		return ""
	}
	return joined
}

// matches reports whether the request path falls under the route.
func (r route) matches(p string) bool {
	if !r.wild {
		return p == r.prefix || (r.prefix == "" && p == "/")
	}
	if r.prefix == "" {
		return true
	}
	return p == r.prefix || strings.HasPrefix(p, r.prefix+"/")
}

// pathInfo is the part of p after the matched prefix.
func (r route) pathInfo(p string) string {
	return strings.TrimPrefix(p, r.prefix)
}

// scriptName is the matched prefix as WAGI reports it.
func (r route) scriptName() string {
	if r.prefix == "" {
		return "/"
	}
	return r.prefix
}

// newRouter registers exact routes before wildcards, longer wildcard
// prefixes first.
func newRouter(routes []route, notFound http.Handler) *mux.Router {
	sorted := append([]route(nil), routes...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.wild != b.wild {
			return !a.wild
		}
		return len(a.prefix) > len(b.prefix)
	})

	r := mux.NewRouter()
	r.Path(HealthPath).HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("OK"))
	})
	for _, rt := range sorted {
		r.MatcherFunc(func(req *http.Request, _ *mux.RouteMatch) bool {
			return rt.matches(req.URL.Path)
		}).Handler(rt.handler).Name(rt.component + " " + rt.pattern)
	}
	r.NotFoundHandler = notFound
	return r
}
