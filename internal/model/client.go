package model

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var ErrClientNotFound = errors.New("client not found")

// Client is the durable record for one account. Ready is true only while a
// live session for the account exists in the registry.
type Client struct {
	ClientID  string
	Name      sql.NullString
	PhoneID   sql.NullString
	Ready     bool
	QRCode    sql.NullString
	WebHook   sql.NullString
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SQLStore persists client records in the app database.
type SQLStore struct {
	DB *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{DB: db}
}

const clientColumns = `client_id, name, phone_id, ready, qr_code, web_hook, created_at, updated_at`

func scanClient(row *sql.Row) (*Client, error) {
	var c Client
	err := row.Scan(&c.ClientID, &c.Name, &c.PhoneID, &c.Ready, &c.QRCode, &c.WebHook, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrClientNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// FindOrCreate returns the record for clientID, inserting it first when it
// does not exist. The second return value reports whether a row was created.
func (s *SQLStore) FindOrCreate(ctx context.Context, clientID string) (*Client, bool, error) {
	res, err := s.DB.ExecContext(ctx, `
        INSERT INTO clients (client_id)
        VALUES ($1)
        ON CONFLICT (client_id) DO NOTHING
    `, clientID)
	if err != nil {
		return nil, false, err
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}

	client, err := s.Get(ctx, clientID)
	if err != nil {
		return nil, false, err
	}
	return client, rows > 0, nil
}

func (s *SQLStore) Get(ctx context.Context, clientID string) (*Client, error) {
	row := s.DB.QueryRowContext(ctx, `
        SELECT `+clientColumns+`
        FROM clients
        WHERE client_id = $1
    `, clientID)
	return scanClient(row)
}

// List returns every persisted client record.
func (s *SQLStore) List(ctx context.Context) ([]*Client, error) {
	rows, err := s.DB.QueryContext(ctx, `
        SELECT `+clientColumns+`
        FROM clients
        ORDER BY created_at ASC
    `)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var clients []*Client
	for rows.Next() {
		var c Client
		if err := rows.Scan(&c.ClientID, &c.Name, &c.PhoneID, &c.Ready, &c.QRCode, &c.WebHook, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		clients = append(clients, &c)
	}
	return clients, rows.Err()
}

func (s *SQLStore) Count(ctx context.Context) (int, error) {
	var count int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM clients`).Scan(&count)
	return count, err
}

func (s *SQLStore) SetReady(ctx context.Context, clientID string, ready bool) error {
	return s.update(ctx, `
        UPDATE clients
        SET ready = $1, updated_at = NOW()
        WHERE client_id = $2
    `, ready, clientID)
}

func (s *SQLStore) SetQRCode(ctx context.Context, clientID, qrCode string) error {
	return s.update(ctx, `
        UPDATE clients
        SET qr_code = $1, ready = false, updated_at = NOW()
        WHERE client_id = $2
    `, qrCode, clientID)
}

func (s *SQLStore) SetIdentity(ctx context.Context, clientID, name, phoneID string) error {
	return s.update(ctx, `
        UPDATE clients
        SET name = $1, phone_id = $2, updated_at = NOW()
        WHERE client_id = $3
    `, name, phoneID, clientID)
}

func (s *SQLStore) SetWebHook(ctx context.Context, clientID, webHook string) error {
	return s.update(ctx, `
        UPDATE clients
        SET web_hook = $1, updated_at = NOW()
        WHERE client_id = $2
    `, webHook, clientID)
}

func (s *SQLStore) Delete(ctx context.Context, clientID string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM clients WHERE client_id = $1`, clientID)
	return err
}

func (s *SQLStore) update(ctx context.Context, query string, args ...interface{}) error {
	res, err := s.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrClientNotFound
	}
	return nil
}
