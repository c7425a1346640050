package repositories

import (
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Gopher0727/GameNight/internal/apperr"
)

// storeErr 将 gorm 错误映射为领域错误：记录不存在 -> NotFound，其余视为存储不可用
func storeErr(err error, what, id string) error {
	if err == nil {
		return nil
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.NotFound(what, id)
	}
	return apperr.Unavailable(err, "store")
}

// 行锁只在 postgres 上生效，sqlite 本身串行写
func lockRow(tx *gorm.DB, strength string) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: strength})
	}
	return tx
}
