package repository

import (
	"context"
	"errors"

	"github.com/fleetops/fleetguard/internal/domain"
	"github.com/fleetops/fleetguard/internal/observability"

	"gorm.io/gorm"
)

var ErrOTPCodeNotFound = errors.New("otp code not found")

type OTPCodeRepository interface {
	// ReplacePending deletes any pending code for the principal and stores
	// the new one in a single transaction.
	ReplacePending(code *domain.OTPCode) error
	FindPending(principalID uint) (*domain.OTPCode, error)
	DeletePending(principalID uint) error
}

type GormOTPCodeRepository struct{ db *gorm.DB }

func NewOTPCodeRepository(db *gorm.DB) OTPCodeRepository { return &GormOTPCodeRepository{db: db} }

func (r *GormOTPCodeRepository) ReplacePending(code *domain.OTPCode) error {
	err := r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("principal_id = ?", code.PrincipalID).Delete(&domain.OTPCode{}).Error; err != nil {
			return err
		}
		return tx.Create(code).Error
	})
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "otp_code", "replace_pending", "error")
		return err
	}
	observability.RecordRepositoryOperation(context.Background(), "otp_code", "replace_pending", "success")
	return nil
}

func (r *GormOTPCodeRepository) FindPending(principalID uint) (*domain.OTPCode, error) {
	var code domain.OTPCode
	err := r.db.Where("principal_id = ?", principalID).First(&code).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(context.Background(), "otp_code", "find_pending", "not_found")
			return nil, ErrOTPCodeNotFound
		}
		observability.RecordRepositoryOperation(context.Background(), "otp_code", "find_pending", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(context.Background(), "otp_code", "find_pending", "success")
	return &code, nil
}

func (r *GormOTPCodeRepository) DeletePending(principalID uint) error {
	err := r.db.Where("principal_id = ?", principalID).Delete(&domain.OTPCode{}).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "otp_code", "delete_pending", "error")
		return err
	}
	observability.RecordRepositoryOperation(context.Background(), "otp_code", "delete_pending", "success")
	return nil
}

type BackupCodeRepository interface {
	// Replace swaps the principal's full backup-code set.
	Replace(principalID uint, codeHashes []string) error
	// Consume removes the row matching the hash. Returns false when no such
	// unused code exists.
	Consume(principalID uint, codeHash string) (bool, error)
	DeleteAll(principalID uint) error
	CountRemaining(principalID uint) (int64, error)
}

type GormBackupCodeRepository struct{ db *gorm.DB }

func NewBackupCodeRepository(db *gorm.DB) BackupCodeRepository {
	return &GormBackupCodeRepository{db: db}
}

func (r *GormBackupCodeRepository) Replace(principalID uint, codeHashes []string) error {
	err := r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("principal_id = ?", principalID).Delete(&domain.BackupCode{}).Error; err != nil {
			return err
		}
		for _, hash := range codeHashes {
			if err := tx.Create(&domain.BackupCode{PrincipalID: principalID, CodeHash: hash}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "backup_code", "replace", "error")
		return err
	}
	observability.RecordRepositoryOperation(context.Background(), "backup_code", "replace", "success")
	return nil
}

func (r *GormBackupCodeRepository) Consume(principalID uint, codeHash string) (bool, error) {
	res := r.db.Where("principal_id = ? AND code_hash = ?", principalID, codeHash).Delete(&domain.BackupCode{})
	if res.Error != nil {
		observability.RecordRepositoryOperation(context.Background(), "backup_code", "consume", "error")
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		observability.RecordRepositoryOperation(context.Background(), "backup_code", "consume", "not_found")
		return false, nil
	}
	observability.RecordRepositoryOperation(context.Background(), "backup_code", "consume", "success")
	return true, nil
}

func (r *GormBackupCodeRepository) DeleteAll(principalID uint) error {
	err := r.db.Where("principal_id = ?", principalID).Delete(&domain.BackupCode{}).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "backup_code", "delete_all", "error")
		return err
	}
	observability.RecordRepositoryOperation(context.Background(), "backup_code", "delete_all", "success")
	return nil
}

func (r *GormBackupCodeRepository) CountRemaining(principalID uint) (int64, error) {
	var n int64
	err := r.db.Model(&domain.BackupCode{}).Where("principal_id = ?", principalID).Count(&n).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "backup_code", "count_remaining", "error")
		return 0, err
	}
	observability.RecordRepositoryOperation(context.Background(), "backup_code", "count_remaining", "success")
	return n, nil
}
