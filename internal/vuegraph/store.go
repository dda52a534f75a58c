// Package vuegraph persists visual editor graph documents in SQLite so the
// frontend can save work-in-progress layouts independently of the YAML
// workflow library.
package vuegraph

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	apperrors "github.com/OpenBMB/ChatDev-sub003/internal/errors"
	"github.com/OpenBMB/ChatDev-sub003/internal/logging"
)

// Graph is one saved editor document. Data holds the raw JSON the frontend
// round-trips; the server never interprets it.
type Graph struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"uniqueIndex;size:255;not null" json:"name"`
	Data      string    `gorm:"type:text;not null" json:"-"`
	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

// Meta is the listing projection.
type Meta struct {
	ID        uint    `json:"id"`
	Name      string  `json:"name"`
	CreatedAt float64 `json:"created_at"`
	UpdatedAt float64 `json:"updated_at"`
}

// Store wraps the SQLite database.
type Store struct {
	db  *gorm.DB
	log logging.Logger
}

// Open creates or migrates the database at path.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, apperrors.Generic("failed to open graph database").WithCause(err)
	}
	if err := db.AutoMigrate(&Graph{}); err != nil {
		return nil, apperrors.Generic("failed to migrate graph database").WithCause(err)
	}
	return &Store{db: db, log: logging.NewComponentLogger("VueGraphStore")}, nil
}

func validateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return apperrors.Validation("graph name is required")
	}
	if len(name) > 255 {
		return apperrors.Validation("graph name too long")
	}
	return nil
}

// Save upserts the document under name.
func (s *Store) Save(name string, data json.RawMessage) (*Graph, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if len(data) == 0 || !json.Valid(data) {
		return nil, apperrors.Validation("graph data must be valid JSON")
	}

	var graph Graph
	err := s.db.Where("name = ?", name).First(&graph).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		graph = Graph{Name: name, Data: string(data)}
		if err := s.db.Create(&graph).Error; err != nil {
			return nil, apperrors.Generic("failed to create graph").WithCause(err)
		}
	case err != nil:
		return nil, apperrors.Generic("failed to look up graph").WithCause(err)
	default:
		graph.Data = string(data)
		if err := s.db.Save(&graph).Error; err != nil {
			return nil, apperrors.Generic("failed to update graph").WithCause(err)
		}
	}
	s.log.Info("Saved editor graph %q", name)
	return &graph, nil
}

// Get returns the document saved under name.
func (s *Store) Get(name string) (*Graph, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	var graph Graph
	err := s.db.Where("name = ?", name).First(&graph).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NotFound("graph not found").WithDetail("name", name)
	}
	if err != nil {
		return nil, apperrors.Generic("failed to read graph").WithCause(err)
	}
	return &graph, nil
}

// List returns metadata for every saved document, newest first.
func (s *Store) List() ([]Meta, error) {
	var graphs []Graph
	if err := s.db.Order("updated_at DESC").Find(&graphs).Error; err != nil {
		return nil, apperrors.Generic("failed to list graphs").WithCause(err)
	}
	out := make([]Meta, 0, len(graphs))
	for _, g := range graphs {
		out = append(out, Meta{
			ID:        g.ID,
			Name:      g.Name,
			CreatedAt: float64(g.CreatedAt.UnixNano()) / 1e9,
			UpdatedAt: float64(g.UpdatedAt.UnixNano()) / 1e9,
		})
	}
	return out, nil
}

// Rename changes the key of a saved document.
func (s *Store) Rename(oldName, newName string) error {
	if err := validateName(newName); err != nil {
		return err
	}
	graph, err := s.Get(oldName)
	if err != nil {
		return err
	}
	if _, err := s.Get(newName); err == nil {
		return apperrors.Conflict("graph name already in use").WithDetail("name", newName)
	}
	graph.Name = newName
	if err := s.db.Save(graph).Error; err != nil {
		return apperrors.Generic("failed to rename graph").WithCause(err)
	}
	s.log.Info("Renamed editor graph %q to %q", oldName, newName)
	return nil
}

// Delete removes the document saved under name.
func (s *Store) Delete(name string) error {
	graph, err := s.Get(name)
	if err != nil {
		return err
	}
	if err := s.db.Delete(graph).Error; err != nil {
		return apperrors.Generic("failed to delete graph").WithCause(err)
	}
	s.log.Info("Deleted editor graph %q", name)
	return nil
}
