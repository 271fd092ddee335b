package store

import "gorm.io/datatypes"

// CandleModel maps to the 'candles' table.
type CandleModel struct {
	ID                  int64   `gorm:"column:id;primaryKey"`
	Instrument          string  `gorm:"column:instrument;uniqueIndex:idx_candles_key,priority:1"`
	Symbol              string  `gorm:"column:symbol;uniqueIndex:idx_candles_key,priority:2"`
	Timeframe           string  `gorm:"column:timeframe;uniqueIndex:idx_candles_key,priority:3"`
	OpenTime            int64   `gorm:"column:open_time;uniqueIndex:idx_candles_key,priority:4"`
	Open                string  `gorm:"column:open"`
	High                string  `gorm:"column:high"`
	Low                 string  `gorm:"column:low"`
	Close               string  `gorm:"column:close"`
	Volume              string  `gorm:"column:volume"`
	CloseTime           *int64  `gorm:"column:close_time"`
	QuoteVolume         *string `gorm:"column:quote_volume"`
	TradeCount          *int64  `gorm:"column:trade_count"`
	TakerBuyVolume      *string `gorm:"column:taker_buy_volume"`
	TakerBuyQuoteVolume *string `gorm:"column:taker_buy_quote_volume"`
	Provenance          string  `gorm:"column:provenance"`
	UpdatedAt           int64   `gorm:"column:updated_at;autoUpdateTime:milli"`
}

func (CandleModel) TableName() string { return "candles" }

// SeriesReportModel maps to 'series_reports': one row per delivery.
type SeriesReportModel struct {
	ID         int64          `gorm:"column:id;primaryKey"`
	RunID      int64          `gorm:"column:run_id;index"`
	TraceID    string         `gorm:"column:trace_id"`
	Instrument string         `gorm:"column:instrument;index:idx_series_reports_pair,priority:1"`
	Symbol     string         `gorm:"column:symbol;index:idx_series_reports_pair,priority:2"`
	Timeframe  string         `gorm:"column:timeframe;index:idx_series_reports_pair,priority:3"`
	Layout     string         `gorm:"column:layout"`
	RowCount   int            `gorm:"column:row_count"`
	Passed     bool           `gorm:"column:passed"`
	Partial    bool           `gorm:"column:partial"`
	Coverage   float64        `gorm:"column:coverage"`
	Report     datatypes.JSON `gorm:"column:report"`
	CreatedAt  int64          `gorm:"column:created_at;autoCreateTime:milli"`
}

func (SeriesReportModel) TableName() string { return "series_reports" }
