package db

import (
	"sort"
	"strings"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// PromptStore is the durable record of every prompt version ever
// created, plus the single active-version pointer per name.
type PromptStore struct {
	db *gorm.DB
}

func NewPromptStore(db *gorm.DB) *PromptStore {
	return &PromptStore{db: db}
}

// ActivePrompt is the resolved "what consumers should use" view of a
// prompt name.
type ActivePrompt struct {
	Name     string
	Version  int
	Template string
}

// CreateVersion stores a new immutable version for name and returns
// the assigned version number (max existing + 1, starting at 1).
//
// Validation strictness: every declared variable must occur in the
// template as a {variable} placeholder. Placeholders present in the
// template but not declared are allowed, so callers may declare only
// the subset they want validated downstream.
//
// The first version of a name is activated automatically, so a
// pointer row always exists once any version does.
func (s *PromptStore) CreateVersion(name, template string, variables []string, createdBy string) (int, error) {
	if strings.TrimSpace(name) == "" {
		return 0, Validationf("prompt name is required")
	}
	if strings.TrimSpace(template) == "" {
		return 0, Validationf("template is required")
	}
	for _, v := range variables {
		if !strings.Contains(template, "{"+v+"}") {
			return 0, Validationf("declared variable %q has no {%s} placeholder in template", v, v)
		}
	}

	var assigned int
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var maxVersion int
		if err := tx.Model(&PromptVersion{}).
			Where("name = ?", name).
			Select("COALESCE(MAX(version), 0)").
			Scan(&maxVersion).Error; err != nil {
			return err
		}

		assigned = maxVersion + 1
		row := &PromptVersion{
			Name:      name,
			Version:   assigned,
			Template:  template,
			Variables: datatypes.JSONSlice[string](variables),
			CreatedBy: createdBy,
		}
		if err := tx.Create(row).Error; err != nil {
			return err
		}

		if assigned == 1 {
			return tx.Create(&PromptPointer{Name: name, ActiveVersion: 1}).Error
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return assigned, nil
}

// ActivateVersion deploys the given version: the current active
// version is remembered as the rollback target, then the pointer
// moves. Activating the already-active version is a no-op and does
// not disturb the rollback target.
func (s *PromptStore) ActivateVersion(name string, version int) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		exists, err := versionExists(tx, name, version)
		if err != nil {
			return err
		}
		if !exists {
			return NotFoundf("prompt %q has no version %d", name, version)
		}

		var pointer PromptPointer
		err = tx.Where("name = ?", name).First(&pointer).Error
		if err == gorm.ErrRecordNotFound {
			return tx.Create(&PromptPointer{Name: name, ActiveVersion: version}).Error
		}
		if err != nil {
			return err
		}

		if pointer.ActiveVersion == version {
			return nil
		}

		previous := pointer.ActiveVersion
		pointer.PreviousVersion = &previous
		pointer.ActiveVersion = version
		return tx.Save(&pointer).Error
	})
}

// Rollback swaps the active version with the previously active one,
// so a second rollback undoes the first. Fails when no previous
// activation has been recorded.
func (s *PromptStore) Rollback(name string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var pointer PromptPointer
		if err := tx.Where("name = ?", name).First(&pointer).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return NotFoundf("prompt %q not found", name)
			}
			return err
		}

		if pointer.PreviousVersion == nil {
			return Statef("prompt %q has no previous version to roll back to", name)
		}

		current := pointer.ActiveVersion
		pointer.ActiveVersion = *pointer.PreviousVersion
		pointer.PreviousVersion = &current
		return tx.Save(&pointer).Error
	})
}

// GetActive resolves the active version and its template for name.
func (s *PromptStore) GetActive(name string) (*ActivePrompt, error) {
	var pointer PromptPointer
	if err := s.db.Where("name = ?", name).First(&pointer).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, NotFoundf("prompt %q not found", name)
		}
		return nil, err
	}

	row, err := s.GetVersion(name, pointer.ActiveVersion)
	if err != nil {
		return nil, err
	}
	return &ActivePrompt{Name: name, Version: row.Version, Template: row.Template}, nil
}

// GetVersion loads one specific version, e.g. when a routing decision
// overrides the active pointer.
func (s *PromptStore) GetVersion(name string, version int) (*PromptVersion, error) {
	var row PromptVersion
	err := s.db.Where("name = ? AND version = ?", name, version).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, NotFoundf("prompt %q has no version %d", name, version)
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// ListVersions returns all versions of name ordered ascending. Each
// call is a fresh read; there is no cursor state.
func (s *PromptStore) ListVersions(name string) ([]PromptVersion, error) {
	var rows []PromptVersion
	if err := s.db.Where("name = ?", name).Order("version ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// ListNames returns the distinct prompt names known to the store.
func (s *PromptStore) ListNames() ([]string, error) {
	var names []string
	if err := s.db.Model(&PromptVersion{}).
		Distinct("name").
		Pluck("name", &names).Error; err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// VersionExists reports whether a specific version row exists for name.
func (s *PromptStore) VersionExists(name string, version int) (bool, error) {
	return versionExists(s.db, name, version)
}

func versionExists(tx *gorm.DB, name string, version int) (bool, error) {
	var count int64
	err := tx.Model(&PromptVersion{}).
		Where("name = ? AND version = ?", name, version).
		Count(&count).Error
	return count > 0, err
}
