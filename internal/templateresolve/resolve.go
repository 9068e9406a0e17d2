// Package templateresolve is a thin stand-in for the template discovery
// library, an external collaborator that lives outside the orchestration
// core. The core only needs one operation from it: turning a template name
// into a script path, with results cached briefly since the same template
// is resolved on every workflow start.
package templateresolve

import (
	"os"
	"path/filepath"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/ckoons/argo/internal/argoerr"
)

// Resolver looks up a template name's script path. The core depends only
// on this interface; the daemon wires a concrete directory-scan resolver
// at startup.
type Resolver interface {
	Resolve(template string) (scriptPath string, err error)
}

// DirResolver resolves template names to "<dir>/<template>.sh", caching
// hits for a short window so a burst of starts for the same template
// doesn't restat the filesystem every time. Misses are not cached.
type DirResolver struct {
	dir   string
	cache *cache.Cache
}

// NewDirResolver builds a resolver rooted at dir.
func NewDirResolver(dir string) *DirResolver {
	return &DirResolver{
		dir:   dir,
		cache: cache.New(30*time.Second, time.Minute),
	}
}

func (d *DirResolver) Resolve(template string) (string, error) {
	if cached, found := d.cache.Get(template); found {
		return cached.(string), nil
	}

	path := filepath.Join(d.dir, template+".sh")
	if info, err := os.Stat(path); err != nil || !info.Mode().IsRegular() {
		return "", argoerr.New(argoerr.NotFound, "no such template: "+template)
	}

	d.cache.SetDefault(template, path)
	return path, nil
}
