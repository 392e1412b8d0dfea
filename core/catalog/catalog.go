// Package catalog holds the static course catalog shipped with the binaries.
package catalog

import (
	"encoding/json"
	"sync"

	"github.com/pkg/errors"

	"github.com/trezcool/nexlearn/core"
	"github.com/trezcool/nexlearn/fs"
)

const catalogPath = "assets/catalog.json"

var ErrNotFound = core.NewNotFoundError("course")

// ModuleType is the kind of a course module.
type ModuleType string

const (
	ModuleLesson ModuleType = "lesson"
	ModuleLab    ModuleType = "lab"
	ModuleQuiz   ModuleType = "quiz"
)

type (
	Module struct {
		Title    string     `json:"title"`
		Type     ModuleType `json:"type"`
		Duration string     `json:"duration,omitempty"`
	}

	Course struct {
		ID          string   `json:"id"`
		Title       string   `json:"title"`
		Description string   `json:"description"`
		Level       string   `json:"level"`
		Duration    string   `json:"duration"`
		Instructor  string   `json:"instructor"`
		Modules     []Module `json:"modules"`
	}

	PathCourse struct {
		ID   string `json:"id"`
		Note string `json:"note,omitempty"`
	}

	LearningPath struct {
		ID          string       `json:"id"`
		Title       string       `json:"title"`
		Description string       `json:"description"`
		Courses     []PathCourse `json:"courses"`
	}

	// Catalog is read-only once loaded.
	Catalog struct {
		courses []Course
		paths   []LearningPath
		byID    map[string]int
	}
)

// HasModule tells whether the course has a module with the given title.
func (c Course) HasModule(title string) bool {
	for _, m := range c.Modules {
		if m.Title == title {
			return true
		}
	}
	return false
}

// Parse decodes a catalog document and checks its consistency.
func Parse(data []byte) (*Catalog, error) {
	var doc struct {
		Courses       []Course       `json:"courses"`
		LearningPaths []LearningPath `json:"learning_paths"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, "decoding catalog")
	}

	cat := &Catalog{courses: doc.Courses, paths: doc.LearningPaths, byID: make(map[string]int, len(doc.Courses))}
	for i, c := range cat.courses {
		if c.ID == "" {
			return nil, errors.Errorf("course #%d has no id", i)
		}
		if _, dup := cat.byID[c.ID]; dup {
			return nil, errors.Errorf("duplicate course %q", c.ID)
		}
		cat.byID[c.ID] = i
	}
	for _, p := range cat.paths {
		for _, pc := range p.Courses {
			if _, ok := cat.byID[pc.ID]; !ok {
				return nil, errors.Errorf("learning path %q references unknown course %q", p.ID, pc.ID)
			}
		}
	}
	return cat, nil
}

var (
	defaultCatalog *Catalog
	loadErr        error
	loadOnce       sync.Once
)

// Load returns the embedded catalog (parsed once).
func Load() (*Catalog, error) {
	loadOnce.Do(func() {
		var data []byte
		if data, loadErr = appfs.FS.ReadFile(catalogPath); loadErr != nil {
			loadErr = errors.Wrap(loadErr, "reading catalog")
			return
		}
		defaultCatalog, loadErr = Parse(data)
	})
	return defaultCatalog, loadErr
}

// All returns the courses in catalog order.
func (cat *Catalog) All() []Course {
	return append([]Course(nil), cat.courses...)
}

func (cat *Catalog) Get(id string) (Course, error) {
	i, ok := cat.byID[id]
	if !ok {
		return Course{}, ErrNotFound
	}
	return cat.courses[i], nil
}

func (cat *Catalog) Paths() []LearningPath {
	return append([]LearningPath(nil), cat.paths...)
}

func (cat *Catalog) Path(id string) (LearningPath, error) {
	for _, p := range cat.paths {
		if p.ID == id {
			return p, nil
		}
	}
	return LearningPath{}, core.NewNotFoundError("learning path")
}
