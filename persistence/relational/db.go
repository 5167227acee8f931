package relational

import (
	"context"
	"errors"
	"fmt"
	"time"

	api "github.com/mohitkumar/engage/api/v1"
	"github.com/mohitkumar/engage/config"
	"github.com/mohitkumar/engage/logger"
	"github.com/mohitkumar/engage/model"
	"github.com/mohitkumar/engage/persistence"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"
)

var _ persistence.Storage = new(Storage)

// Storage implements persistence.Storage on top of gorm. A Storage created by
// Transaction wraps the transaction handle and must not outlive it.
type Storage struct {
	db   *gorm.DB
	inTx bool
}

func Open(storageType config.StorageType, conf config.DatabaseConfig) (*Storage, error) {
	var dialector gorm.Dialector
	switch storageType {
	case config.STORAGE_TYPE_POSTGRES:
		dialector = postgres.Open(conf.DSN)
	case config.STORAGE_TYPE_SQLITE:
		dialector = sqlite.Open(conf.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage type %q", storageType)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError:                           true,
		DisableForeignKeyConstraintWhenMigrating: true,
		NowFunc:                                  func() time.Time { return time.Now().UTC() },
		Logger:                                   gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		return nil, api.StorageLayerError{Message: "open database", Err: err}
	}
	if conf.MaxOpenConns > 0 {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, api.StorageLayerError{Message: "open database", Err: err}
		}
		sqlDB.SetMaxOpenConns(conf.MaxOpenConns)
	}
	if conf.AutoMigrate {
		if err := Migrate(db); err != nil {
			return nil, err
		}
	}
	logger.Info("database opened", zap.String("type", string(storageType)))
	return New(db), nil
}

func New(db *gorm.DB) *Storage {
	return &Storage{db: db}
}

func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&model.FlowDefinition{},
		&model.FlowRevision{},
		&model.FlowVariant{},
		&model.ContactFlowState{},
		&model.VariantAssignment{},
		&model.DispatchJob{},
		&model.JourneyRecord{},
		&model.NodeEvent{},
	)
	if err != nil {
		return api.StorageLayerError{Message: "migrate", Err: err}
	}
	return nil
}

func (s *Storage) DB() *gorm.DB {
	return s.db
}

func (s *Storage) Transaction(ctx context.Context, fn func(tx persistence.Storage) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Storage{db: tx, inTx: true})
	})
}

func (s *Storage) Close() error {
	if s.inTx {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// forUpdate adds a row lock where the dialect has one; sqlite serializes
// writers on its own.
func (s *Storage) forUpdate(tx *gorm.DB) *gorm.DB {
	if s.db.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}
	return tx
}

func wrap(message string, err error) error {
	if err == nil {
		return nil
	}
	var se api.StorageLayerError
	if errors.As(err, &se) || api.IsNotFound(err) || api.IsConflict(err) || api.IsValidation(err) {
		return err
	}
	return api.StorageLayerError{Message: message, Err: err}
}

func notFound(err error, entity string, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return api.NotFoundError{Entity: entity, Id: id}
	}
	return wrap("get "+entity, err)
}
