package drag

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/chess10kp/dropshelf/internal/logging"
	"github.com/chess10kp/dropshelf/internal/metrics"
)

// ErrFilesystemRace marks a dragged path that could not be inspected,
// typically because it was moved or deleted mid-drag.
var ErrFilesystemRace = errors.New("filesystem race")

const (
	resolveCacheSize = 256
	resolveCacheTTL  = 5 * time.Second
	warnedSize       = 512
)

// Resolved is a dragged path with its classification.
type Resolved struct {
	Path      string `json:"absolutePath"`
	Name      string `json:"name"`
	IsDir     bool   `json:"isDir"`
	SizeBytes int64  `json:"sizeBytes"`
	// Guessed is set when the type came from the file name because the
	// path could not be inspected.
	Guessed bool `json:"guessed"`
}

// Resolver classifies dragged paths. Results are cached briefly since the
// same paths are resolved repeatedly while a drag is in flight.
type Resolver struct {
	stat    func(string) (os.FileInfo, error)
	cache   *expirable.LRU[string, Resolved]
	warned  *lru.Cache[string, struct{}]
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewResolver(logger *zap.Logger, m *metrics.Metrics) *Resolver {
	warned, _ := lru.New[string, struct{}](warnedSize)
	return &Resolver{
		stat:    os.Stat,
		cache:   expirable.NewLRU[string, Resolved](resolveCacheSize, nil, resolveCacheTTL),
		warned:  warned,
		logger:  logging.OrNop(logger).Named("resolve"),
		metrics: m,
	}
}

// Resolve classifies every path. It never fails: a path that cannot be
// inspected is classified from its name.
func (r *Resolver) Resolve(paths []string) []Resolved {
	out := make([]Resolved, 0, len(paths))
	for _, p := range paths {
		out = append(out, r.resolveOne(p))
	}
	return out
}

func (r *Resolver) resolveOne(path string) Resolved {
	if res, ok := r.cache.Get(path); ok {
		return res
	}

	res := Resolved{Path: path, Name: filepath.Base(path)}
	info, err := r.stat(path)
	if err != nil {
		res.IsDir = GuessIsDir(path)
		res.Guessed = true
		r.reportRace(path, err)
		// Guesses are not cached so a later stat can correct them.
		return res
	}

	res.IsDir = info.IsDir()
	if !res.IsDir {
		res.SizeBytes = info.Size()
	}
	r.cache.Add(path, res)
	return res
}

// reportRace logs a failed stat once per path.
func (r *Resolver) reportRace(path string, err error) {
	r.metrics.RecordFilesystemRace()
	if ok, _ := r.warned.ContainsOrAdd(path, struct{}{}); ok {
		return
	}
	r.logger.Warn("dragged path could not be inspected, guessing type from name",
		zap.String("path", path),
		zap.Error(fmt.Errorf("%w: %w", ErrFilesystemRace, err)))
}

// Purge drops cached results.
func (r *Resolver) Purge() {
	r.cache.Purge()
}

// GuessIsDir classifies a name without touching the filesystem: a name with
// an extension is a file, one without is a folder.
func GuessIsDir(path string) bool {
	return filepath.Ext(filepath.Base(path)) == ""
}
