package messaging

import (
	"context"
	"errors"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/wavelink/backend/internal/snowflake"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultChannelCacheSize = 4096

// DirectoryConfig describes the channel directory dependencies.
type DirectoryConfig struct {
	Database  *gorm.DB
	IDs       IDGenerator
	Logger    *zap.Logger
	CacheSize int
}

// Directory maps unordered user pairs to durable direct channel ids.
// Channel rows are never deleted, so resolved ids are cached for the
// lifetime of the process.
type Directory struct {
	db       *gorm.DB
	ids      IDGenerator
	logger   *zap.Logger
	resolved *lru.Cache[[2]snowflake.ID, snowflake.ID]
}

// NewDirectory constructs a Directory.
func NewDirectory(cfg DirectoryConfig) (*Directory, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opDirectoryNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDs == nil {
		return nil, newServiceError(opDirectoryNew, "missing_id_generator", errMissingIDs)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = defaultChannelCacheSize
	}
	cache, err := lru.New[[2]snowflake.ID, snowflake.ID](size)
	if err != nil {
		return nil, newServiceError(opDirectoryNew, "cache_init_failed", err)
	}
	return &Directory{db: cfg.Database, ids: cfg.IDs, logger: logger, resolved: cache}, nil
}

// GetOrCreateDirectChannel returns the id of the conversation between a and
// b, creating it on first use. Concurrent callers converge on one row.
func (d *Directory) GetOrCreateDirectChannel(ctx context.Context, a, b snowflake.ID) (snowflake.ID, error) {
	low, high := orderedPair(a, b)
	key := [2]snowflake.ID{low, high}
	if id, ok := d.resolved.Get(key); ok {
		return id, nil
	}

	channel, found, err := d.findChannel(ctx, low, high)
	if err != nil {
		logServiceError(d.logger, opResolveChannel, "channel_select_failed", err)
		return 0, newServiceError(opResolveChannel, "channel_select_failed", err)
	}
	if !found {
		id, err := d.ids.Next(ctx)
		if err != nil {
			logServiceError(d.logger, opResolveChannel, "id_generation_failed", err)
			return 0, newServiceError(opResolveChannel, "id_generation_failed", err)
		}
		candidate := Channel{ID: id, Type: ChannelTypeDirect, LowUserID: low, HighUserID: high}
		err = d.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&candidate).Error
		if err != nil {
			logServiceError(d.logger, opResolveChannel, "channel_insert_failed", err)
			return 0, newServiceError(opResolveChannel, "channel_insert_failed", err)
		}
		// A concurrent writer may have won the unique index; read back the survivor.
		channel, found, err = d.findChannel(ctx, low, high)
		if err != nil || !found {
			if err == nil {
				err = gorm.ErrRecordNotFound
			}
			logServiceError(d.logger, opResolveChannel, "channel_reload_failed", err)
			return 0, newServiceError(opResolveChannel, "channel_reload_failed", err)
		}
	}

	d.resolved.Add(key, channel.ID)
	return channel.ID, nil
}

// FindDirectChannel returns the conversation between a and b without
// creating one.
func (d *Directory) FindDirectChannel(ctx context.Context, a, b snowflake.ID) (Channel, bool, error) {
	low, high := orderedPair(a, b)
	channel, found, err := d.findChannel(ctx, low, high)
	if err != nil {
		logServiceError(d.logger, opResolveChannel, "channel_select_failed", err)
		return Channel{}, false, newServiceError(opResolveChannel, "channel_select_failed", err)
	}
	return channel, found, nil
}

func (d *Directory) findChannel(ctx context.Context, low, high snowflake.ID) (Channel, bool, error) {
	var channel Channel
	err := d.db.WithContext(ctx).
		Where("type = ? AND low_user_id = ? AND high_user_id = ?", ChannelTypeDirect, low, high).
		Take(&channel).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Channel{}, false, nil
	}
	if err != nil {
		return Channel{}, false, err
	}
	return channel, true, nil
}
