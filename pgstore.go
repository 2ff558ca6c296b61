package pgraster

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// PGStore runs the tile and overview queries over a single PostgreSQL
// connection. It is not safe for concurrent use; a Dataset serialises its
// calls.
type PGStore struct {
	conn *pgx.Conn
}

var _ Store = (*PGStore)(nil)

// ConnectPG opens a connection to a PostGIS database. dsn accepts URL and
// keyword/value forms.
func ConnectPG(ctx context.Context, dsn string) (*PGStore, error) {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return NewPGStore(conn), nil
}

// NewPGStore wraps an existing connection.
func NewPGStore(conn *pgx.Conn) *PGStore {
	return &PGStore{conn: conn}
}

// Close closes the underlying connection.
func (s *PGStore) Close(ctx context.Context) error {
	return s.conn.Close(ctx)
}

// Tiles executes q.
func (s *PGStore) Tiles(ctx context.Context, q *TileQuery) ([]TileRow, error) {
	rows, err := s.conn.Query(ctx, q.SQL(), q.Args()...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tiles []TileRow
	for rows.Next() {
		var (
			t      TileRow
			nodata *float64
		)
		if err := rows.Scan(&t.Payload, &t.Width, &t.Height, &t.PixelType, &nodata,
			&t.ScaleX, &t.ScaleY, &t.UpperLeftX, &t.UpperLeftY); err != nil {
			return nil, fmt.Errorf("failed to scan tile row: %w", err)
		}
		if nodata != nil {
			t.HasNoData = true
			t.NoData = *nodata
		}
		tiles = append(tiles, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tiles, nil
}

// Overviews executes q.
func (s *PGStore) Overviews(ctx context.Context, q *OverviewQuery) ([]OverviewRow, error) {
	rows, err := s.conn.Query(ctx, q.SQL(), q.Args()...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OverviewRow
	for rows.Next() {
		var r OverviewRow
		if err := rows.Scan(&r.Table, &r.Factor, &r.Column, &r.Schema); err != nil {
			return nil, fmt.Errorf("failed to scan overview row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
