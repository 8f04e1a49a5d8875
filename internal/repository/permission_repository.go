package repository

import (
	"context"
	"errors"

	"github.com/fleetops/fleetguard/internal/domain"
	"github.com/fleetops/fleetguard/internal/observability"

	"gorm.io/gorm"
)

var ErrPermissionNotFound = errors.New("permission not found")

type PermissionRepository interface {
	List() ([]domain.Permission, error)
	FindByModuleAction(module, action string) (*domain.Permission, error)
	Create(permission *domain.Permission) error
	DeleteByID(id uint) error
}

type GormPermissionRepository struct{ db *gorm.DB }

func NewPermissionRepository(db *gorm.DB) PermissionRepository {
	return &GormPermissionRepository{db: db}
}

func (r *GormPermissionRepository) List() ([]domain.Permission, error) {
	var perms []domain.Permission
	err := r.db.Find(&perms).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "permission", "list", "error")
		return perms, err
	}
	observability.RecordRepositoryOperation(context.Background(), "permission", "list", "success")
	return perms, err
}

func (r *GormPermissionRepository) FindByModuleAction(module, action string) (*domain.Permission, error) {
	var p domain.Permission
	if err := r.db.Where("module = ? AND action = ?", module, action).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(context.Background(), "permission", "find_by_module_action", "not_found")
			return nil, ErrPermissionNotFound
		}
		observability.RecordRepositoryOperation(context.Background(), "permission", "find_by_module_action", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(context.Background(), "permission", "find_by_module_action", "success")
	return &p, nil
}

func (r *GormPermissionRepository) Create(permission *domain.Permission) error {
	err := r.db.Create(permission).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "permission", "create", "error")
		return err
	}
	observability.RecordRepositoryOperation(context.Background(), "permission", "create", "success")
	return nil
}

func (r *GormPermissionRepository) DeleteByID(id uint) error {
	res := r.db.Delete(&domain.Permission{}, id)
	if res.Error != nil {
		observability.RecordRepositoryOperation(context.Background(), "permission", "delete_by_id", "error")
		return res.Error
	}
	if res.RowsAffected == 0 {
		observability.RecordRepositoryOperation(context.Background(), "permission", "delete_by_id", "not_found")
		return ErrPermissionNotFound
	}
	observability.RecordRepositoryOperation(context.Background(), "permission", "delete_by_id", "success")
	return nil
}
