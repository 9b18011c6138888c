package database

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

const queryStartKey = "axon:query_start"

// registerQueryCallbacks 在 GORM 各类语句前后挂钩，按操作类型上报耗时
func registerQueryCallbacks(db *gorm.DB, name string, observer PoolObserver) error {
	before := func(tx *gorm.DB) {
		tx.InstanceSet(queryStartKey, time.Now())
	}
	after := func(operation string) func(*gorm.DB) {
		return func(tx *gorm.DB) {
			v, ok := tx.InstanceGet(queryStartKey)
			if !ok {
				return
			}
			if start, ok := v.(time.Time); ok {
				observer.RecordDBQuery(name, operation, time.Since(start))
			}
		}
	}

	cb := db.Callback()
	return errors.Join(
		cb.Create().Before("gorm:create").Register("axon:before_create", before),
		cb.Create().After("gorm:create").Register("axon:after_create", after("create")),
		cb.Query().Before("gorm:query").Register("axon:before_query", before),
		cb.Query().After("gorm:query").Register("axon:after_query", after("query")),
		cb.Update().Before("gorm:update").Register("axon:before_update", before),
		cb.Update().After("gorm:update").Register("axon:after_update", after("update")),
		cb.Delete().Before("gorm:delete").Register("axon:before_delete", before),
		cb.Delete().After("gorm:delete").Register("axon:after_delete", after("delete")),
		cb.Row().Before("gorm:row").Register("axon:before_row", before),
		cb.Row().After("gorm:row").Register("axon:after_row", after("row")),
		cb.Raw().Before("gorm:raw").Register("axon:before_raw", before),
		cb.Raw().After("gorm:raw").Register("axon:after_raw", after("raw")),
	)
}
