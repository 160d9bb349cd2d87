package launcher

import (
	"os/exec"

	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"

	"github.com/pilotproject/pilot/internal/common/piloterrors"
)

// Resolver locates launcher binaries. It exists as an interface so tests can
// pin binaries without touching PATH.
type Resolver interface {
	Which(name string) (string, error)
}

// PathResolver resolves binaries against PATH, caching results for the
// process lifetime. Launcher binaries do not move while an agent runs.
type PathResolver struct {
	cache *cache.Cache
}

func NewPathResolver() *PathResolver {
	return &PathResolver{cache: cache.New(cache.NoExpiration, cache.NoExpiration)}
}

func (r *PathResolver) Which(name string) (string, error) {
	if cached, ok := r.cache.Get(name); ok {
		return cached.(string), nil
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", errors.WithStack(&piloterrors.ErrNotFound{Type: "executable", Value: name})
	}
	r.cache.Set(name, path, cache.NoExpiration)
	return path, nil
}

// StaticResolver maps names to fixed paths and fails on anything unknown.
type StaticResolver struct {
	Paths map[string]string
}

func (r *StaticResolver) Which(name string) (string, error) {
	if path, ok := r.Paths[name]; ok {
		return path, nil
	}
	return "", &piloterrors.ErrNotFound{Type: "executable", Value: name}
}
