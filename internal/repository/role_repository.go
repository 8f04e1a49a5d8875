package repository

import (
	"context"
	"errors"

	"github.com/fleetops/fleetguard/internal/domain"
	"github.com/fleetops/fleetguard/internal/observability"

	"gorm.io/gorm"
)

var ErrRoleNotFound = errors.New("role not found")

type RoleRepository interface {
	FindByID(id uint) (*domain.Role, error)
	FindByName(name string) (*domain.Role, error)
	List() ([]domain.Role, error)
	Create(role *domain.Role, permissionIDs []uint) error
	SetPermissions(roleID uint, permissionIDs []uint) error
}

type GormRoleRepository struct{ db *gorm.DB }

func NewRoleRepository(db *gorm.DB) RoleRepository { return &GormRoleRepository{db: db} }

func (r *GormRoleRepository) FindByID(id uint) (*domain.Role, error) {
	var role domain.Role
	err := r.db.Preload("Permissions").First(&role, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(context.Background(), "role", "find_by_id", "not_found")
			return nil, ErrRoleNotFound
		}
		observability.RecordRepositoryOperation(context.Background(), "role", "find_by_id", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(context.Background(), "role", "find_by_id", "success")
	return &role, nil
}

func (r *GormRoleRepository) FindByName(name string) (*domain.Role, error) {
	var role domain.Role
	err := r.db.Preload("Permissions").Where("name = ?", name).First(&role).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(context.Background(), "role", "find_by_name", "not_found")
			return nil, ErrRoleNotFound
		}
		observability.RecordRepositoryOperation(context.Background(), "role", "find_by_name", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(context.Background(), "role", "find_by_name", "success")
	return &role, nil
}

func (r *GormRoleRepository) List() ([]domain.Role, error) {
	var roles []domain.Role
	err := r.db.Preload("Permissions").Find(&roles).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "role", "list", "error")
		return roles, err
	}
	observability.RecordRepositoryOperation(context.Background(), "role", "list", "success")
	return roles, err
}

func (r *GormRoleRepository) Create(role *domain.Role, permissionIDs []uint) error {
	if err := r.db.Create(role).Error; err != nil {
		observability.RecordRepositoryOperation(context.Background(), "role", "create", "error")
		return err
	}
	if len(permissionIDs) == 0 {
		observability.RecordRepositoryOperation(context.Background(), "role", "create", "success")
		return nil
	}
	var perms []domain.Permission
	if err := r.db.Where("id IN ?", permissionIDs).Find(&perms).Error; err != nil {
		observability.RecordRepositoryOperation(context.Background(), "role", "create", "error")
		return err
	}
	if err := r.db.Model(role).Association("Permissions").Replace(perms); err != nil {
		observability.RecordRepositoryOperation(context.Background(), "role", "create", "error")
		return err
	}
	observability.RecordRepositoryOperation(context.Background(), "role", "create", "success")
	return nil
}

func (r *GormRoleRepository) SetPermissions(roleID uint, permissionIDs []uint) error {
	err := r.db.Transaction(func(tx *gorm.DB) error {
		var existing domain.Role
		if err := tx.First(&existing, roleID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrRoleNotFound
			}
			return err
		}
		var perms []domain.Permission
		if len(permissionIDs) > 0 {
			if err := tx.Where("id IN ?", permissionIDs).Find(&perms).Error; err != nil {
				return err
			}
		}
		return tx.Model(&existing).Association("Permissions").Replace(perms)
	})
	if err != nil {
		if errors.Is(err, ErrRoleNotFound) {
			observability.RecordRepositoryOperation(context.Background(), "role", "set_permissions", "not_found")
		} else {
			observability.RecordRepositoryOperation(context.Background(), "role", "set_permissions", "error")
		}
		return err
	}
	observability.RecordRepositoryOperation(context.Background(), "role", "set_permissions", "success")
	return nil
}
