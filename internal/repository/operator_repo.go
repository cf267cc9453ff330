package repository

import (
	"errors"

	"github.com/pccr10001/rtcall/internal/model"
	"gorm.io/gorm"
)

const RoleAdmin = "admin"

var (
	ErrOperatorExists = errors.New("username already taken")
	ErrLastAdmin      = errors.New("cannot remove the last admin")
)

// OperatorRepository stores the accounts allowed to drive the control API.
type OperatorRepository struct {
	db *gorm.DB
}

func NewOperatorRepository(db *gorm.DB) *OperatorRepository {
	return &OperatorRepository{db: db}
}

func (r *OperatorRepository) FindByUsername(username string) (*model.User, error) {
	var op model.User
	if err := r.db.Where("username = ?", username).First(&op).Error; err != nil {
		return nil, err
	}
	return &op, nil
}

func (r *OperatorRepository) List() ([]model.User, error) {
	var list []model.User
	err := r.db.Order("id").Find(&list).Error
	return list, err
}

func (r *OperatorRepository) Create(op *model.User) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&model.User{}).Where("username = ?", op.Username).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return ErrOperatorExists
		}
		return tx.Create(op).Error
	})
}

// Delete removes the operator unless it is the only admin left.
func (r *OperatorRepository) Delete(id uint) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		var op model.User
		if err := tx.First(&op, id).Error; err != nil {
			return err
		}
		if op.Role == RoleAdmin {
			var admins int64
			if err := tx.Model(&model.User{}).Where("role = ?", RoleAdmin).Count(&admins).Error; err != nil {
				return err
			}
			if admins <= 1 {
				return ErrLastAdmin
			}
		}
		return tx.Delete(&op).Error
	})
}

func (r *OperatorRepository) SetPasswordHash(id uint, hash string) error {
	return r.db.Model(&model.User{}).Where("id = ?", id).Update("password_hash", hash).Error
}
