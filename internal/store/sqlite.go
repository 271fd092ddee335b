package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"klinevault/internal/logger"
	"klinevault/internal/market"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	_ "modernc.org/sqlite"
)

const upsertBatch = 500

// SQLiteSink 把已校验的 K 线 upsert 进 SQLite，并为每次交付记录一行报告。
type SQLiteSink struct {
	db *gorm.DB
}

// NewSQLiteSink opens (or creates) the database at path using the pure-Go driver.
func NewSQLiteSink(path string) (*SQLiteSink, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sqlite sink: 数据库路径不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := gorm.Open(sqlite.New(sqlite.Config{DriverName: "sqlite", DSN: dsn}), &gorm.Config{
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	return NewSQLiteSinkFromDB(db)
}

// NewSQLiteSinkFromDB migrates the schema on an existing connection.
func NewSQLiteSinkFromDB(db *gorm.DB) (*SQLiteSink, error) {
	if db == nil {
		return nil, fmt.Errorf("gorm db 不能为空")
	}
	if err := db.AutoMigrate(&CandleModel{}, &SeriesReportModel{}); err != nil {
		return nil, err
	}
	if sqlDB, err := db.DB(); err == nil {
		// single writer; deliveries from concurrent workers queue on the pool
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
	}
	return &SQLiteSink{db: db}, nil
}

// Ingest upserts every candle and appends the report row in one transaction.
func (s *SQLiteSink) Ingest(ctx context.Context, d Delivery) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlite sink 未初始化")
	}
	pair := d.Series.Pair
	report, err := json.Marshal(d.Report)
	if err != nil {
		return fmt.Errorf("encoding report for %s: %w", pair, err)
	}
	rows := make([]CandleModel, 0, len(d.Series.Candles))
	for _, c := range d.Series.Candles {
		rows = append(rows, newCandleModel(pair, c))
	}

	updates := clause.AssignmentColumns([]string{
		"open", "high", "low", "close", "volume",
		"close_time", "quote_volume", "trade_count", "taker_buy_volume", "taker_buy_quote_volume",
		"provenance", "updated_at",
	})
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(rows) > 0 {
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "instrument"}, {Name: "symbol"}, {Name: "timeframe"}, {Name: "open_time"}},
				DoUpdates: updates,
			}).CreateInBatches(&rows, upsertBatch).Error; err != nil {
				return fmt.Errorf("upserting candles: %w", err)
			}
		}
		return tx.Create(&SeriesReportModel{
			RunID:      d.RunID,
			TraceID:    d.TraceID,
			Instrument: string(pair.Instrument),
			Symbol:     pair.Symbol,
			Timeframe:  pair.Timeframe.Key,
			Layout:     d.Series.Layout.String(),
			RowCount:   len(rows),
			Passed:     d.Report.Passed,
			Partial:    d.Partial,
			Coverage:   d.Coverage,
			Report:     datatypes.JSON(report),
		}).Error
	})
	if err != nil {
		return err
	}
	logger.Debugf("[store] %s: %d candles ingested (partial=%v)", pair, len(rows), d.Partial)
	return nil
}

// CountCandles returns how many rows the pair has.
func (s *SQLiteSink) CountCandles(ctx context.Context, pair market.Pair) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&CandleModel{}).
		Where("instrument = ? AND symbol = ? AND timeframe = ?", string(pair.Instrument), pair.Symbol, pair.Timeframe.Key).
		Count(&n).Error
	return n, err
}

// Reports lists the delivery ledger for a pair, newest first.
func (s *SQLiteSink) Reports(ctx context.Context, pair market.Pair) ([]SeriesReportModel, error) {
	var out []SeriesReportModel
	err := s.db.WithContext(ctx).
		Where("instrument = ? AND symbol = ? AND timeframe = ?", string(pair.Instrument), pair.Symbol, pair.Timeframe.Key).
		Order("id DESC").
		Find(&out).Error
	return out, err
}

func (s *SQLiteSink) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func newCandleModel(pair market.Pair, c market.Candle) CandleModel {
	m := CandleModel{
		Instrument: string(pair.Instrument),
		Symbol:     pair.Symbol,
		Timeframe:  pair.Timeframe.Key,
		OpenTime:   c.OpenTime,
		Open:       c.Open.String(),
		High:       c.High.String(),
		Low:        c.Low.String(),
		Close:      c.Close.String(),
		Volume:     c.Volume.String(),
		Provenance: c.Provenance.String(),
	}
	if ext := c.Enhanced; ext != nil {
		closeTime, trades := ext.CloseTime, ext.TradeCount
		quote, takerBase, takerQuote := ext.QuoteVolume.String(), ext.TakerBuyVolume.String(), ext.TakerBuyQuoteVolume.String()
		m.CloseTime = &closeTime
		m.TradeCount = &trades
		m.QuoteVolume = &quote
		m.TakerBuyVolume = &takerBase
		m.TakerBuyQuoteVolume = &takerQuote
	}
	return m
}

var _ Sink = (*SQLiteSink)(nil)
