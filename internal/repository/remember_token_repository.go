package repository

import (
	"context"
	"errors"
	"time"

	"github.com/fleetops/fleetguard/internal/domain"
	"github.com/fleetops/fleetguard/internal/observability"

	"gorm.io/gorm"
)

var ErrRememberTokenNotFound = errors.New("remember token not found")

type RememberTokenRepository interface {
	Create(token *domain.RememberToken) error
	FindByHash(hash string) (*domain.RememberToken, error)
	DeleteByHash(hash string) error
	DeleteByPrincipal(principalID uint) error
	CleanupExpired() (int64, error)
}

type GormRememberTokenRepository struct{ db *gorm.DB }

func NewRememberTokenRepository(db *gorm.DB) RememberTokenRepository {
	return &GormRememberTokenRepository{db: db}
}

func (r *GormRememberTokenRepository) Create(token *domain.RememberToken) error {
	err := r.db.Create(token).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "remember_token", "create", "error")
		return err
	}
	observability.RecordRepositoryOperation(context.Background(), "remember_token", "create", "success")
	return nil
}

func (r *GormRememberTokenRepository) FindByHash(hash string) (*domain.RememberToken, error) {
	var t domain.RememberToken
	err := r.db.Where("token_hash = ?", hash).First(&t).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(context.Background(), "remember_token", "find_by_hash", "not_found")
			return nil, ErrRememberTokenNotFound
		}
		observability.RecordRepositoryOperation(context.Background(), "remember_token", "find_by_hash", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(context.Background(), "remember_token", "find_by_hash", "success")
	return &t, nil
}

func (r *GormRememberTokenRepository) DeleteByHash(hash string) error {
	err := r.db.Where("token_hash = ?", hash).Delete(&domain.RememberToken{}).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "remember_token", "delete_by_hash", "error")
		return err
	}
	observability.RecordRepositoryOperation(context.Background(), "remember_token", "delete_by_hash", "success")
	return nil
}

func (r *GormRememberTokenRepository) DeleteByPrincipal(principalID uint) error {
	err := r.db.Where("principal_id = ?", principalID).Delete(&domain.RememberToken{}).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "remember_token", "delete_by_principal", "error")
		return err
	}
	observability.RecordRepositoryOperation(context.Background(), "remember_token", "delete_by_principal", "success")
	return nil
}

func (r *GormRememberTokenRepository) CleanupExpired() (int64, error) {
	res := r.db.Where("expires_at <= ?", time.Now()).Delete(&domain.RememberToken{})
	if res.Error != nil {
		observability.RecordRepositoryOperation(context.Background(), "remember_token", "cleanup_expired", "error")
		return res.RowsAffected, res.Error
	}
	observability.RecordRepositoryOperation(context.Background(), "remember_token", "cleanup_expired", "success")
	return res.RowsAffected, nil
}
