// Package cache stores compiled query arenas keyed by a digest of their
// source, so repeated runs skip the compiler. The store is a local
// SQLite file by default and a remote libsql URL when configured.
package cache

import (
	"database/sql"
	"database/sql/driver"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/minio/highwayhash"
	libsql "github.com/tursodatabase/libsql-client-go/libsql"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/oxhq/plotnik/internal/bytecode"
)

// CachedQuery is one compiled arena with its lookup metadata.
type CachedQuery struct {
	ID string `gorm:"primaryKey;type:varchar(36)"`

	// Lookup key: source digest x grammar x format version.
	Digest        string `gorm:"type:varchar(16);uniqueIndex:idx_cache_key"`
	Language      string `gorm:"type:varchar(50);uniqueIndex:idx_cache_key"`
	FormatVersion int    `gorm:"uniqueIndex:idx_cache_key"`

	Source      string         `gorm:"type:text"`
	Binary      []byte         `gorm:"type:blob"`
	Entrypoints datatypes.JSON `gorm:"type:jsonb"` // entry names, for listing without decode

	CreatedAt  time.Time `gorm:"autoCreateTime"`
	LastUsedAt time.Time `gorm:"index"`
	UseCount   int64     `gorm:"default:0"`
}

func (CachedQuery) TableName() string { return "queries" }

// Store wraps the database handle.
type Store struct {
	db *gorm.DB
}

// hashKey keys the source digest; fixed so digests are stable across
// processes.
var hashKey = []byte("plotnik.query.cache.digest.key!!")

// Digest computes the cache key component for a query source.
func Digest(source string) string {
	h, err := highwayhash.New64(hashKey)
	if err != nil {
		panic("cache: bad digest key: " + err.Error())
	}
	h.Write([]byte(source))
	var buf [8]byte
	sum := h.Sum64()
	for i := range buf {
		buf[i] = byte(sum >> (8 * i))
	}
	return hex.EncodeToString(buf[:])
}

// Open establishes the connection and runs migrations. A DSN starting
// with a URL scheme goes through the libsql connector; anything else is
// a local SQLite file whose directory is created on demand.
func Open(dsn string, debug bool) (*Store, error) {
	cfg := &gorm.Config{}
	if debug {
		cfg.Logger = logger.Default.LogMode(logger.Info)
	} else {
		cfg.Logger = logger.Default.LogMode(logger.Silent)
	}

	var (
		dialector gorm.Dialector
		conn      *sql.DB
	)
	if isURL(dsn) {
		var (
			connector driver.Connector
			err       error
		)
		token := os.Getenv("PLOTNIK_LIBSQL_AUTH_TOKEN")
		if token != "" {
			connector, err = libsql.NewConnector(dsn, libsql.WithAuthToken(token))
		} else {
			connector, err = libsql.NewConnector(dsn)
		}
		if err != nil {
			return nil, fmt.Errorf("cache: libsql connector: %w", err)
		}
		conn = sql.OpenDB(connector)
		dialector = &sqlite.Dialector{Conn: conn}
	} else {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("cache: create directory: %w", err)
		}
		dialector = sqlite.Open(dsn)
	}

	db, err := gorm.Open(dialector, cfg)
	if err != nil {
		if conn != nil {
			conn.Close()
		}
		return nil, fmt.Errorf("cache: connect: %w", err)
	}
	if err := db.AutoMigrate(&CachedQuery{}); err != nil {
		return nil, fmt.Errorf("cache: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func isURL(dsn string) bool {
	return len(dsn) > 7 && (dsn[:7] == "http://" || dsn[:8] == "https://" || dsn[:6] == "libsql")
}

// Get returns the cached program for a source, or nil on a miss. Hits
// bump the usage stats.
func (s *Store) Get(source, language string) (*bytecode.Program, error) {
	var row CachedQuery
	err := s.db.Where("digest = ? AND language = ? AND format_version = ?",
		Digest(source), language, int(bytecode.Version)).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache: get: %w", err)
	}
	prog, err := bytecode.Decode(row.Binary)
	if err != nil {
		// a stale or corrupt row is evicted, not fatal
		s.db.Delete(&row)
		return nil, nil
	}
	s.db.Model(&row).Updates(map[string]any{
		"last_used_at": time.Now(),
		"use_count":    gorm.Expr("use_count + 1"),
	})
	return prog, nil
}

// Put stores a compiled program under its source digest.
func (s *Store) Put(source, language string, prog *bytecode.Program) error {
	var names []string
	for i := 0; i < prog.EntryCount(); i++ {
		name, _, _ := prog.EntryAt(i)
		names = append(names, name)
	}
	meta, err := json.Marshal(names)
	if err != nil {
		meta = []byte("[]")
	}
	row := CachedQuery{
		ID:            uuid.NewString(),
		Digest:        Digest(source),
		Language:      language,
		FormatVersion: int(bytecode.Version),
		Source:        source,
		Binary:        prog.Encode(),
		Entrypoints:   datatypes.JSON(meta),
		LastUsedAt:    time.Now(),
	}
	err = s.db.Where("digest = ? AND language = ? AND format_version = ?",
		row.Digest, row.Language, row.FormatVersion).
		Assign(map[string]any{
			"source":       row.Source,
			"binary":       row.Binary,
			"entrypoints":  row.Entrypoints,
			"last_used_at": row.LastUsedAt,
		}).
		FirstOrCreate(&row).Error
	if err != nil {
		return fmt.Errorf("cache: put: %w", err)
	}
	return nil
}

// GC evicts least-recently-used rows beyond the retention count and any
// row compiled with an older format version.
func (s *Store) GC(retention int) (int64, error) {
	var removed int64
	res := s.db.Where("format_version <> ?", int(bytecode.Version)).Delete(&CachedQuery{})
	if res.Error != nil {
		return 0, fmt.Errorf("cache: gc: %w", res.Error)
	}
	removed += res.RowsAffected

	if retention > 0 {
		var ids []string
		err := s.db.Model(&CachedQuery{}).
			Order("last_used_at DESC").
			Offset(retention).
			Pluck("id", &ids).Error
		if err != nil {
			return removed, fmt.Errorf("cache: gc: %w", err)
		}
		if len(ids) > 0 {
			res = s.db.Where("id IN ?", ids).Delete(&CachedQuery{})
			if res.Error != nil {
				return removed, fmt.Errorf("cache: gc: %w", res.Error)
			}
			removed += res.RowsAffected
		}
	}
	return removed, nil
}

// Stats summarizes the store.
type Stats struct {
	Queries   int64
	Bytes     int64
	LastUsed  time.Time
	TotalUses int64
}

func (s *Store) Stats() (Stats, error) {
	var st Stats
	if err := s.db.Model(&CachedQuery{}).Count(&st.Queries).Error; err != nil {
		return st, fmt.Errorf("cache: stats: %w", err)
	}
	type agg struct {
		Bytes int64
		Uses  int64
	}
	var a agg
	err := s.db.Model(&CachedQuery{}).
		Select("COALESCE(SUM(LENGTH(binary)),0) AS bytes, COALESCE(SUM(use_count),0) AS uses").
		Scan(&a).Error
	if err != nil {
		return st, fmt.Errorf("cache: stats: %w", err)
	}
	st.Bytes = a.Bytes
	st.TotalUses = a.Uses
	var last CachedQuery
	if err := s.db.Order("last_used_at DESC").First(&last).Error; err == nil {
		st.LastUsed = last.LastUsedAt
	}
	return st, nil
}
