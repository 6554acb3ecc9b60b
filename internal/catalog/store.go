package catalog

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

const queryCode = "code = ?"

// Store persists package configuration.
type Store struct {
	db *gorm.DB
}

// NewStore binds a Store to the provided database handle.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// List returns every package ordered by level.
func (s *Store) List(ctx context.Context) ([]Package, error) {
	var packages []Package
	if err := s.db.WithContext(ctx).Order("level ASC").Find(&packages).Error; err != nil {
		return nil, err
	}
	return packages, nil
}

// FindByCode loads the package for code.
func (s *Store) FindByCode(ctx context.Context, code string) (Package, error) {
	var pkg Package
	err := s.db.WithContext(ctx).Where(queryCode, NormalizeCode(code)).Take(&pkg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Package{}, fmt.Errorf("%w: %s", ErrPackageNotFound, code)
	}
	if err != nil {
		return Package{}, err
	}
	return pkg, nil
}

// Create inserts a validated package.
func (s *Store) Create(ctx context.Context, pkg *Package) error {
	pkg.Code = NormalizeCode(pkg.Code)
	if err := pkg.validate(); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(pkg).Error
}

// Save replaces the stored package identified by code with pkg.
func (s *Store) Save(ctx context.Context, code string, pkg Package) (Package, error) {
	var stored Package
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where(queryCode, NormalizeCode(code)).Take(&stored).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrPackageNotFound, code)
			}
			return err
		}
		pkg.ID = stored.ID
		pkg.Code = stored.Code
		pkg.CreatedAt = stored.CreatedAt
		if err := pkg.validate(); err != nil {
			return err
		}
		if err := tx.Save(&pkg).Error; err != nil {
			return err
		}
		stored = pkg
		return nil
	})
	if err != nil {
		return Package{}, err
	}
	return stored, nil
}

// Delete removes the package for code.
func (s *Store) Delete(ctx context.Context, code string) error {
	result := s.db.WithContext(ctx).Where(queryCode, NormalizeCode(code)).Delete(&Package{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrPackageNotFound, code)
	}
	return nil
}
