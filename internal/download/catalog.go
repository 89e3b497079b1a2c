package download

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"candlefetch/internal/market"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// SeriesFile 描述一个已落盘的 CSV 数据集，供查询与去重。
type SeriesFile struct {
	ID        string         `gorm:"column:id;primaryKey" json:"id"` // 任务 id
	Platform  string         `gorm:"column:platform;index" json:"platform"`
	Symbol    string         `gorm:"column:symbol;index" json:"symbol"`
	PeriodID  string         `gorm:"column:period_id" json:"period_id"`
	StartTS   int64          `gorm:"column:start_ts" json:"start"`
	EndTS     int64          `gorm:"column:end_ts" json:"end"`
	FilePath  string         `gorm:"column:file_path" json:"file_path"`
	Rows      int64          `gorm:"column:rows" json:"rows"`
	Missing   int64          `gorm:"column:missing" json:"missing"`
	GapsJSON  datatypes.JSON `gorm:"column:gaps_json;type:TEXT" json:"-"`
	CreatedAt int64          `gorm:"column:created_at;autoCreateTime:milli" json:"created_at"`
}

func (SeriesFile) TableName() string { return "series_files" }

// Gaps 反序列化缺口列表。
func (f *SeriesFile) Gaps() ([]market.Gap, error) {
	if len(f.GapsJSON) == 0 {
		return nil, nil
	}
	var gaps []market.Gap
	if err := json.Unmarshal(f.GapsJSON, &gaps); err != nil {
		return nil, err
	}
	return gaps, nil
}

// Catalog 用 Gorm + SQLite 维护数据集目录。
type Catalog struct {
	db *gorm.DB
}

func NewCatalog(root string) (*Catalog, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("catalog root 不能为空")
	}
	if err := ensureDataDir(root); err != nil {
		return nil, err
	}
	path := filepath.Join(root, "catalog.db")
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.New(sqlite.Config{DriverName: "sqlite", DSN: dsn}), &gorm.Config{
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&SeriesFile{}); err != nil {
		return nil, err
	}
	return &Catalog{db: db}, nil
}

func (c *Catalog) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Record 登记（或覆盖）一条数据集记录。
func (c *Catalog) Record(ctx context.Context, file SeriesFile, gaps []market.Gap) error {
	if len(gaps) > 0 {
		data, err := json.Marshal(gaps)
		if err != nil {
			return err
		}
		file.GapsJSON = datatypes.JSON(data)
	}
	return c.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&file).Error
}

func (c *Catalog) Get(ctx context.Context, id string) (*SeriesFile, error) {
	var file SeriesFile
	err := c.db.WithContext(ctx).First(&file, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &file, nil
}

// List 按创建时间倒序列出数据集；symbol 可选过滤。
func (c *Catalog) List(ctx context.Context, symbol string) ([]SeriesFile, error) {
	q := c.db.WithContext(ctx).Order("created_at DESC")
	if symbol = strings.TrimSpace(symbol); symbol != "" {
		q = q.Where("symbol = ?", symbol)
	}
	var files []SeriesFile
	if err := q.Find(&files).Error; err != nil {
		return nil, err
	}
	return files, nil
}

func (c *Catalog) Delete(ctx context.Context, id string) error {
	return c.db.WithContext(ctx).Delete(&SeriesFile{}, "id = ?", id).Error
}
