package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLStore implements Store on sqlite or postgres.
type SQLStore struct {
	conn   *Connector
	cipher FieldCipher
	now    func() time.Time
}

var _ Store = (*SQLStore)(nil)

// SQLOption configures a SQLStore.
type SQLOption func(*SQLStore)

// WithFieldCipher encrypts token and client secret columns at rest.
func WithFieldCipher(c FieldCipher) SQLOption {
	return func(s *SQLStore) {
		s.cipher = c
	}
}

// NewSQLStore returns a store over conn. No connection is made until the
// first operation.
func NewSQLStore(conn *Connector, opts ...SQLOption) *SQLStore {
	s := &SQLStore{conn: conn, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close closes the underlying connection.
func (s *SQLStore) Close() error {
	return s.conn.Close()
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.conn.Driver() != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) db(ctx context.Context) (*sql.DB, error) {
	return s.conn.DB(ctx)
}

func (s *SQLStore) seal(v string) (string, error) {
	if s.cipher == nil || v == "" {
		return v, nil
	}
	return s.cipher.Encrypt(v)
}

func (s *SQLStore) unseal(v string) (string, error) {
	if s.cipher == nil || v == "" {
		return v, nil
	}
	return s.cipher.Decrypt(v)
}

// isUniqueViolation maps driver-specific uniqueness errors.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

func toNanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

// Registrations

func (s *SQLStore) SaveRegistration(ctx context.Context, reg *ClientRegistration) error {
	db, err := s.db(ctx)
	if err != nil {
		return err
	}
	if reg.ID == "" {
		reg.ID = uuid.NewString()
	}
	if reg.CreatedAt.IsZero() {
		reg.CreatedAt = s.now()
	}

	secret, err := s.seal(reg.ClientSecret)
	if err != nil {
		return fmt.Errorf("failed to encrypt client secret: %w", err)
	}

	_, err = db.ExecContext(ctx, s.rebind(`INSERT INTO client_registrations
		(id, tenant_id, template_id, client_id, client_secret, issuer, authorization_endpoint, token_endpoint, end_session_endpoint, scopes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		reg.ID, reg.TenantID, reg.TemplateID, reg.ClientID, secret, reg.Issuer,
		reg.AuthorizationEndpoint, reg.TokenEndpoint, reg.EndSessionEndpoint,
		strings.Join(reg.Scopes, " "), toNanos(reg.CreatedAt))
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("failed to insert registration: %w", err)
	}
	return nil
}

const registrationColumns = `id, tenant_id, template_id, client_id, client_secret, issuer, authorization_endpoint, token_endpoint, end_session_endpoint, scopes, created_at`

func (s *SQLStore) scanRegistration(row interface{ Scan(...any) error }) (*ClientRegistration, error) {
	var (
		reg     ClientRegistration
		scopes  string
		created int64
	)
	err := row.Scan(&reg.ID, &reg.TenantID, &reg.TemplateID, &reg.ClientID, &reg.ClientSecret,
		&reg.Issuer, &reg.AuthorizationEndpoint, &reg.TokenEndpoint, &reg.EndSessionEndpoint,
		&scopes, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	reg.Scopes = strings.Fields(scopes)
	reg.CreatedAt = fromNanos(created)
	if reg.ClientSecret, err = s.unseal(reg.ClientSecret); err != nil {
		return nil, fmt.Errorf("failed to decrypt client secret: %w", err)
	}
	return &reg, nil
}

func (s *SQLStore) GetRegistration(ctx context.Context, id string) (*ClientRegistration, error) {
	db, err := s.db(ctx)
	if err != nil {
		return nil, err
	}
	row := db.QueryRowContext(ctx, s.rebind(`SELECT `+registrationColumns+` FROM client_registrations WHERE id = ?`), id)
	return s.scanRegistration(row)
}

func (s *SQLStore) LatestRegistration(ctx context.Context, tenantID, templateID string) (*ClientRegistration, error) {
	db, err := s.db(ctx)
	if err != nil {
		return nil, err
	}
	row := db.QueryRowContext(ctx, s.rebind(`SELECT `+registrationColumns+` FROM client_registrations
		WHERE tenant_id = ? AND template_id = ?
		ORDER BY created_at DESC, id DESC LIMIT 1`), tenantID, templateID)
	return s.scanRegistration(row)
}

// Tokens

const tokenColumns = `id, subject_id, tenant_id, resource_instance_id, registration_id, access_token, refresh_token, id_token, expires_at, purpose, updated_at`

func (s *SQLStore) scanToken(row interface{ Scan(...any) error }) (*TokenRecord, error) {
	var (
		t       TokenRecord
		expires sql.NullInt64
		updated int64
	)
	err := row.Scan(&t.ID, &t.SubjectID, &t.TenantID, &t.ResourceInstanceID, &t.RegistrationID,
		&t.AccessToken, &t.RefreshToken, &t.IDToken, &expires, &t.Purpose, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if expires.Valid {
		at := fromNanos(expires.Int64)
		t.ExpiresAt = &at
	}
	t.UpdatedAt = fromNanos(updated)

	for _, f := range []*string{&t.AccessToken, &t.RefreshToken, &t.IDToken} {
		if *f, err = s.unseal(*f); err != nil {
			return nil, fmt.Errorf("failed to decrypt token record %s: %w", t.ID, err)
		}
	}
	return &t, nil
}

func (s *SQLStore) UpsertToken(ctx context.Context, rec *TokenRecord) (*TokenRecord, error) {
	db, err := s.db(ctx)
	if err != nil {
		return nil, err
	}

	stored := rec.Clone()
	stored.UpdatedAt = s.now()

	access, err := s.seal(stored.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt access token: %w", err)
	}
	refresh, err := s.seal(stored.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
	}
	idToken, err := s.seal(stored.IDToken)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt id token: %w", err)
	}

	var expires sql.NullInt64
	if stored.ExpiresAt != nil {
		expires = sql.NullInt64{Int64: toNanos(*stored.ExpiresAt), Valid: true}
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var existingID string
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT id FROM token_records WHERE subject_id = ? AND resource_instance_id = ?`),
		stored.SubjectID, stored.ResourceInstanceID).Scan(&existingID)
	switch {
	case err == nil:
		stored.ID = existingID
		_, err = tx.ExecContext(ctx, s.rebind(`UPDATE token_records SET
			tenant_id = ?, registration_id = ?, access_token = ?, refresh_token = ?, id_token = ?,
			expires_at = ?, purpose = ?, updated_at = ?
			WHERE id = ?`),
			stored.TenantID, stored.RegistrationID, access, refresh, idToken,
			expires, stored.Purpose, toNanos(stored.UpdatedAt), stored.ID)
	case errors.Is(err, sql.ErrNoRows):
		stored.ID = uuid.NewString()
		_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO token_records (`+tokenColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			stored.ID, stored.SubjectID, stored.TenantID, stored.ResourceInstanceID, stored.RegistrationID,
			access, refresh, idToken, expires, stored.Purpose, toNanos(stored.UpdatedAt))
	}
	if isUniqueViolation(err) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("failed to write token record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("failed to commit token record: %w", err)
	}
	return stored, nil
}

func (s *SQLStore) GetToken(ctx context.Context, subjectID, instanceID string) (*TokenRecord, error) {
	db, err := s.db(ctx)
	if err != nil {
		return nil, err
	}
	row := db.QueryRowContext(ctx, s.rebind(`SELECT `+tokenColumns+` FROM token_records
		WHERE subject_id = ? AND resource_instance_id = ?`), subjectID, instanceID)
	return s.scanToken(row)
}

func (s *SQLStore) GetTokenByID(ctx context.Context, id string) (*TokenRecord, error) {
	db, err := s.db(ctx)
	if err != nil {
		return nil, err
	}
	row := db.QueryRowContext(ctx, s.rebind(`SELECT `+tokenColumns+` FROM token_records WHERE id = ?`), id)
	return s.scanToken(row)
}

func (s *SQLStore) ListTemplateTokens(ctx context.Context, subjectID, tenantID, templateID string) ([]*TokenRecord, error) {
	db, err := s.db(ctx)
	if err != nil {
		return nil, err
	}

	cols := strings.ReplaceAll("t."+tokenColumns, ", ", ", t.")
	rows, err := db.QueryContext(ctx, s.rebind(`SELECT `+cols+` FROM token_records t
		JOIN client_registrations r ON r.id = t.registration_id
		WHERE t.subject_id = ? AND t.tenant_id = ? AND r.template_id = ?
		ORDER BY t.id`), subjectID, tenantID, templateID)
	if err != nil {
		return nil, fmt.Errorf("failed to list token records: %w", err)
	}
	defer rows.Close()

	var out []*TokenRecord
	for rows.Next() {
		t, err := s.scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLStore) DeleteToken(ctx context.Context, subjectID, instanceID string) error {
	db, err := s.db(ctx)
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, s.rebind(`DELETE FROM token_records WHERE subject_id = ? AND resource_instance_id = ?`),
		subjectID, instanceID)
	if err != nil {
		return fmt.Errorf("failed to delete token record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Instances

func (s *SQLStore) SaveInstance(ctx context.Context, inst *ResourceInstance) error {
	db, err := s.db(ctx)
	if err != nil {
		return err
	}
	if inst.ID == "" {
		inst.ID = uuid.NewString()
	}
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = s.now()
	}
	_, err = db.ExecContext(ctx, s.rebind(`INSERT INTO resource_instances (id, tenant_id, template_id, name, resource_url, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		inst.ID, inst.TenantID, inst.TemplateID, inst.Name, inst.ResourceURL, toNanos(inst.CreatedAt))
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("failed to insert resource instance: %w", err)
	}
	return nil
}

func (s *SQLStore) GetInstance(ctx context.Context, id string) (*ResourceInstance, error) {
	db, err := s.db(ctx)
	if err != nil {
		return nil, err
	}
	var (
		inst    ResourceInstance
		created int64
	)
	err = db.QueryRowContext(ctx, s.rebind(`SELECT id, tenant_id, template_id, name, resource_url, created_at
		FROM resource_instances WHERE id = ?`), id).
		Scan(&inst.ID, &inst.TenantID, &inst.TemplateID, &inst.Name, &inst.ResourceURL, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load resource instance: %w", err)
	}
	inst.CreatedAt = fromNanos(created)
	return &inst, nil
}

func (s *SQLStore) DeleteInstance(ctx context.Context, id string) error {
	db, err := s.db(ctx)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM resource_instances WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete resource instance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM token_records WHERE resource_instance_id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete instance tokens: %w", err)
	}
	return tx.Commit()
}
