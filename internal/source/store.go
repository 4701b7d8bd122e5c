package source

import (
	"context"
	"database/sql"
	"io"

	"gorm.io/gorm"

	"tickstream/internal/errors"
	"tickstream/internal/schema"
	"tickstream/pkg/exception"
)

const defaultInsertBatch = 1000

// QuoteRow is the persisted form of a RawRow. Decimal values are stored as text
// so their precision survives the round trip.
type QuoteRow struct {
	ID           uint64 `gorm:"primaryKey;autoIncrement"`
	InstrumentID string `gorm:"size:64;not null;index:idx_quote_rows_instrument_ts,priority:1"`
	TsEvent      int64  `gorm:"not null;index:idx_quote_rows_instrument_ts,priority:2"`
	Ask          string `gorm:"size:40;not null"`
	Bid          string `gorm:"size:40;not null"`
	AskSize      string `gorm:"size:40;not null"`
	BidSize      string `gorm:"size:40;not null"`
}

func (QuoteRow) TableName() string {
	return "quote_rows"
}

// NewQuoteRow converts a raw row for storage.
func NewQuoteRow(instrumentID string, row RawRow) QuoteRow {
	return QuoteRow{
		InstrumentID: instrumentID,
		TsEvent:      row.Timestamp,
		Ask:          row.ValueA,
		Bid:          row.ValueB,
		AskSize:      row.AuxA,
		BidSize:      row.AuxB,
	}
}

// RawRow converts the stored row back.
func (q QuoteRow) RawRow() RawRow {
	return RawRow{
		Timestamp: q.TsEvent,
		ValueA:    q.Ask,
		ValueB:    q.Bid,
		AuxA:      q.AskSize,
		AuxB:      q.BidSize,
	}
}

// QuoteStore reads and writes quote rows through gorm. Fetch streams the rows of
// one window with a server-side cursor instead of loading them into a slice.
type QuoteStore struct {
	db        *gorm.DB
	batchSize int
}

func NewQuoteStore(db *gorm.DB) (*QuoteStore, error) {
	if db == nil {
		return nil, errors.Wrap(exception.ErrNilInstance, "quote store db")
	}
	return &QuoteStore{db: db, batchSize: defaultInsertBatch}, nil
}

// Migrate creates or updates the quote table.
func (s *QuoteStore) Migrate(ctx context.Context) error {
	return errors.Wrap(s.db.WithContext(ctx).AutoMigrate(&QuoteRow{}), "migrate quote rows")
}

// Insert writes rows in batches.
func (s *QuoteStore) Insert(ctx context.Context, rows []QuoteRow) error {
	if len(rows) == 0 {
		return nil
	}
	return errors.Wrap(s.db.WithContext(ctx).CreateInBatches(rows, s.batchSize).Error, "insert quote rows")
}

// Fetch implements Fetcher.
func (s *QuoteStore) Fetch(ctx context.Context, w schema.Window, inst schema.Instrument) (Rows, error) {
	rows, err := s.db.WithContext(ctx).
		Model(&QuoteRow{}).
		Where("instrument_id = ? AND ts_event >= ? AND ts_event < ?", inst.ID, w.Start.UnixNano(), w.End.UnixNano()).
		Order("ts_event ASC").
		Order("id ASC").
		Rows()
	if err != nil {
		return nil, errors.Wrap(err, "query quote rows")
	}
	return &storeRows{db: s.db, rows: rows}, nil
}

type storeRows struct {
	db   *gorm.DB
	rows *sql.Rows
}

func (r *storeRows) Next() (RawRow, error) {
	if r.rows == nil {
		return RawRow{}, io.EOF
	}
	if !r.rows.Next() {
		if err := r.rows.Err(); err != nil {
			return RawRow{}, errors.Wrap(err, "iterate quote rows")
		}
		return RawRow{}, io.EOF
	}
	var rec QuoteRow
	if err := r.db.ScanRows(r.rows, &rec); err != nil {
		return RawRow{}, errors.Wrap(err, "scan quote row")
	}
	return rec.RawRow(), nil
}

func (r *storeRows) Close() error {
	if r.rows == nil {
		return nil
	}
	err := r.rows.Close()
	r.rows = nil
	return err
}
