package route

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// reloadDebounce collapses the burst of events editors emit on save.
const reloadDebounce = 250 * time.Millisecond

// fileDocument is the on-disk layout of a route file:
//
//	routes:
//	  - routeId: R_UK_DEL
//	    name: Haldwani - Anand Vihar
//	    polyline: [{lat: 29.2183, lng: 79.5130}, ...]
//	    stops: [{id: S01, name: Haldwani, lat: 29.2183, lng: 79.5130}, ...]
type fileDocument struct {
	Routes []Definition `yaml:"routes"`
}

// FileSource reads route definitions from a YAML file. The file is re-read
// on every call so that a reload picks up edits.
type FileSource struct {
	path string
}

// NewFileSource creates a Source backed by the YAML file at path.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// ReadDefinitions parses the route file at path.
func ReadDefinitions(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("route: read %s: %w", path, err)
	}
	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("route: parse %s: %w", path, err)
	}
	return doc.Routes, nil
}

// FindAllRoutes implements Source.
func (s *FileSource) FindAllRoutes(_ context.Context) ([]Definition, error) {
	return ReadDefinitions(s.path)
}

// FindOneRoute implements Source.
func (s *FileSource) FindOneRoute(_ context.Context, routeID string) (*Definition, error) {
	defs, err := ReadDefinitions(s.path)
	if err != nil {
		return nil, err
	}
	for i := range defs {
		if defs[i].ID == routeID {
			return &defs[i], nil
		}
	}
	return nil, nil
}

// WatchFile calls onChange whenever the file at path is written, created or
// renamed into place. It watches the parent directory because most editors
// replace the file rather than writing it in place. WatchFile blocks until
// ctx is cancelled.
func WatchFile(ctx context.Context, path string, logger logrus.FieldLogger, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("route: watch: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("route: watch: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("route: watch %s: %w", filepath.Dir(abs), err)
	}

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				debounce = time.After(reloadDebounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.WithError(err).Warn("route: file watcher error")
		case <-debounce:
			debounce = nil
			logger.WithField("path", abs).Info("route: route file changed")
			onChange()
		}
	}
}
