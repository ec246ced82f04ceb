package tracking

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresStore persists samples in the location_samples table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed location store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Append(ctx context.Context, s *Sample) error {
	return p.db.QueryRowContext(ctx, `
		INSERT INTO location_samples (order_id, driver_id, lat, lng, heading, speed, marker, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING seq`,
		s.OrderID, nullString(s.DriverID), s.Lat, s.Lng, s.Heading, s.Speed,
		nullString(string(s.Marker)), s.Timestamp,
	).Scan(&s.Seq)
}

const sampleColumns = `seq, order_id, driver_id, lat, lng, heading, speed, marker, recorded_at`

func (p *PostgresStore) Latest(ctx context.Context, orderID string) (*Sample, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+sampleColumns+`
		FROM location_samples
		WHERE order_id = $1
		ORDER BY recorded_at DESC, seq DESC
		LIMIT 1`, orderID)
	s, err := scanSample(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoLocation
	}
	return s, err
}

func (p *PostgresStore) History(ctx context.Context, orderID string, limit int) ([]*Sample, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT * FROM (
			SELECT `+sampleColumns+`
			FROM location_samples
			WHERE order_id = $1
			ORDER BY seq DESC
			LIMIT $2
		) recent ORDER BY seq ASC`, orderID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := []*Sample{}
	for rows.Next() {
		s, err := scanSample(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) DeleteOrder(ctx context.Context, orderID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM location_samples WHERE order_id = $1`, orderID)
	return err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSample(sc scanner) (*Sample, error) {
	s := &Sample{}
	var driverID, marker sql.NullString
	if err := sc.Scan(&s.Seq, &s.OrderID, &driverID, &s.Lat, &s.Lng, &s.Heading, &s.Speed, &marker, &s.Timestamp); err != nil {
		return nil, err
	}
	s.DriverID = driverID.String
	s.Marker = Marker(marker.String)
	s.Timestamp = s.Timestamp.UTC()
	return s, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
