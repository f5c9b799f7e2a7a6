package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteStore(t *testing.T, opts ...SQLOption) *SQLStore {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "tether.db")
	conn := NewConnector(DriverSQLite, dsn, WithAfterConnect(func(ctx context.Context, _ *sql.DB) error {
		return Migrate(DriverSQLite, dsn, Up)
	}))
	s := NewSQLStore(conn, opts...)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func storeFactories() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store { return newSQLiteStore(t) },
	}
}

func TestStores(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			runStoreSuite(t, factory)
		})
	}
}

func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("latest registration wins", func(t *testing.T) {
		s := newStore(t)
		base := time.Now().Add(-time.Hour)

		older := &ClientRegistration{TenantID: "t1", TemplateID: "github", ClientID: "old",
			AuthorizationEndpoint: "https://a", TokenEndpoint: "https://t", CreatedAt: base}
		newer := &ClientRegistration{TenantID: "t1", TemplateID: "github", ClientID: "new", ClientSecret: "sec",
			AuthorizationEndpoint: "https://a", TokenEndpoint: "https://t", Scopes: []string{"repo", "user"},
			CreatedAt: base.Add(time.Minute)}
		other := &ClientRegistration{TenantID: "t2", TemplateID: "github", ClientID: "other",
			AuthorizationEndpoint: "https://a", TokenEndpoint: "https://t", CreatedAt: base.Add(time.Hour)}

		for _, r := range []*ClientRegistration{older, newer, other} {
			require.NoError(t, s.SaveRegistration(ctx, r))
			require.NotEmpty(t, r.ID)
		}

		got, err := s.LatestRegistration(ctx, "t1", "github")
		require.NoError(t, err)
		assert.Equal(t, "new", got.ClientID)
		assert.Equal(t, "sec", got.ClientSecret)
		assert.Equal(t, []string{"repo", "user"}, got.Scopes)

		_, err = s.LatestRegistration(ctx, "t1", "gitlab")
		assert.ErrorIs(t, err, ErrNotFound)

		byID, err := s.GetRegistration(ctx, older.ID)
		require.NoError(t, err)
		assert.Equal(t, "old", byID.ClientID)
		assert.True(t, byID.IsPublic())
	})

	t.Run("token upsert keeps one record per subject and instance", func(t *testing.T) {
		s := newStore(t)
		exp := time.Now().Add(time.Hour).Truncate(time.Millisecond)

		first, err := s.UpsertToken(ctx, &TokenRecord{SubjectID: "u1", TenantID: "t1", ResourceInstanceID: "i1",
			RegistrationID: "r1", AccessToken: "a1", RefreshToken: "r1", ExpiresAt: &exp, Purpose: "mcp"})
		require.NoError(t, err)
		require.NotEmpty(t, first.ID)

		second, err := s.UpsertToken(ctx, &TokenRecord{SubjectID: "u1", TenantID: "t1", ResourceInstanceID: "i1",
			RegistrationID: "r1", AccessToken: "a2"})
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)

		got, err := s.GetToken(ctx, "u1", "i1")
		require.NoError(t, err)
		assert.Equal(t, "a2", got.AccessToken)
		assert.Empty(t, got.RefreshToken)
		assert.Nil(t, got.ExpiresAt, "nil expiry must round-trip as nil")

		byID, err := s.GetTokenByID(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, "a2", byID.AccessToken)
	})

	t.Run("expiry round-trips", func(t *testing.T) {
		s := newStore(t)
		exp := time.Unix(1900000000, 0).UTC()

		_, err := s.UpsertToken(ctx, &TokenRecord{SubjectID: "u", TenantID: "t", ResourceInstanceID: "i",
			RegistrationID: "r", AccessToken: "a", ExpiresAt: &exp})
		require.NoError(t, err)

		got, err := s.GetToken(ctx, "u", "i")
		require.NoError(t, err)
		require.NotNil(t, got.ExpiresAt)
		assert.True(t, exp.Equal(*got.ExpiresAt))
	})

	t.Run("list by template joins registrations", func(t *testing.T) {
		s := newStore(t)
		gh := &ClientRegistration{TenantID: "t1", TemplateID: "github", ClientID: "c", AuthorizationEndpoint: "a", TokenEndpoint: "t"}
		gl := &ClientRegistration{TenantID: "t1", TemplateID: "gitlab", ClientID: "c", AuthorizationEndpoint: "a", TokenEndpoint: "t"}
		require.NoError(t, s.SaveRegistration(ctx, gh))
		require.NoError(t, s.SaveRegistration(ctx, gl))

		for _, rec := range []*TokenRecord{
			{SubjectID: "u1", TenantID: "t1", ResourceInstanceID: "i1", RegistrationID: gh.ID, AccessToken: "x"},
			{SubjectID: "u1", TenantID: "t1", ResourceInstanceID: "i2", RegistrationID: gh.ID, AccessToken: "x"},
			{SubjectID: "u1", TenantID: "t1", ResourceInstanceID: "i3", RegistrationID: gl.ID, AccessToken: "x"},
			{SubjectID: "u2", TenantID: "t1", ResourceInstanceID: "i1", RegistrationID: gh.ID, AccessToken: "x"},
		} {
			_, err := s.UpsertToken(ctx, rec)
			require.NoError(t, err)
		}

		list, err := s.ListTemplateTokens(ctx, "u1", "t1", "github")
		require.NoError(t, err)
		require.Len(t, list, 2)
		for _, rec := range list {
			assert.Equal(t, "u1", rec.SubjectID)
			assert.Equal(t, gh.ID, rec.RegistrationID)
		}
	})

	t.Run("deleting an instance removes its tokens", func(t *testing.T) {
		s := newStore(t)
		inst := &ResourceInstance{TenantID: "t1", TemplateID: "github", Name: "repo-a"}
		require.NoError(t, s.SaveInstance(ctx, inst))

		_, err := s.UpsertToken(ctx, &TokenRecord{SubjectID: "u1", TenantID: "t1", ResourceInstanceID: inst.ID, RegistrationID: "r", AccessToken: "x"})
		require.NoError(t, err)

		got, err := s.GetInstance(ctx, inst.ID)
		require.NoError(t, err)
		assert.Equal(t, "repo-a", got.Name)

		require.NoError(t, s.DeleteInstance(ctx, inst.ID))
		_, err = s.GetInstance(ctx, inst.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetToken(ctx, "u1", inst.ID)
		assert.ErrorIs(t, err, ErrNotFound)

		assert.ErrorIs(t, s.DeleteInstance(ctx, inst.ID), ErrNotFound)
	})

	t.Run("delete token", func(t *testing.T) {
		s := newStore(t)
		_, err := s.UpsertToken(ctx, &TokenRecord{SubjectID: "u", TenantID: "t", ResourceInstanceID: "i", RegistrationID: "r", AccessToken: "x"})
		require.NoError(t, err)

		require.NoError(t, s.DeleteToken(ctx, "u", "i"))
		assert.ErrorIs(t, s.DeleteToken(ctx, "u", "i"), ErrNotFound)
	})

	t.Run("concurrent upserts converge", func(t *testing.T) {
		s := newStore(t)

		var wg sync.WaitGroup
		errs := make(chan error, 8)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := UpsertTokenRetrying(ctx, s, &TokenRecord{SubjectID: "u", TenantID: "t",
					ResourceInstanceID: "target", RegistrationID: "r", AccessToken: strings.Repeat("a", i+1)})
				errs <- err
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		got, err := s.GetToken(ctx, "u", "target")
		require.NoError(t, err)
		assert.NotEmpty(t, got.AccessToken)
	})
}

type prefixCipher struct{}

func (prefixCipher) Encrypt(p string) (string, error) { return "enc:" + p, nil }
func (prefixCipher) Decrypt(v string) (string, error) {
	if !strings.HasPrefix(v, "enc:") {
		return "", errors.New("not encrypted")
	}
	return strings.TrimPrefix(v, "enc:"), nil
}

func TestSQLStore_FieldCipher(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t, WithFieldCipher(prefixCipher{}))

	reg := &ClientRegistration{TenantID: "t", TemplateID: "x", ClientID: "c", ClientSecret: "shh", AuthorizationEndpoint: "a", TokenEndpoint: "t"}
	require.NoError(t, s.SaveRegistration(ctx, reg))
	_, err := s.UpsertToken(ctx, &TokenRecord{SubjectID: "u", TenantID: "t", ResourceInstanceID: "i", RegistrationID: reg.ID, AccessToken: "at", RefreshToken: "rt"})
	require.NoError(t, err)

	db, err := s.conn.DB(ctx)
	require.NoError(t, err)

	var access, refresh, secret string
	require.NoError(t, db.QueryRowContext(ctx, `SELECT access_token, refresh_token FROM token_records`).Scan(&access, &refresh))
	require.NoError(t, db.QueryRowContext(ctx, `SELECT client_secret FROM client_registrations`).Scan(&secret))
	assert.Equal(t, "enc:at", access)
	assert.Equal(t, "enc:rt", refresh)
	assert.Equal(t, "enc:shh", secret)

	got, err := s.GetToken(ctx, "u", "i")
	require.NoError(t, err)
	assert.Equal(t, "at", got.AccessToken)
	assert.Equal(t, "rt", got.RefreshToken)

	gotReg, err := s.LatestRegistration(ctx, "t", "x")
	require.NoError(t, err)
	assert.Equal(t, "shh", gotReg.ClientSecret)
}

func TestSQLStore_UniqueViolationIsConflict(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)

	inst := &ResourceInstance{ID: "fixed", TenantID: "t", TemplateID: "x"}
	require.NoError(t, s.SaveInstance(ctx, inst))
	err := s.SaveInstance(ctx, &ResourceInstance{ID: "fixed", TenantID: "t", TemplateID: "x"})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestSQLStore_Rebind(t *testing.T) {
	pg := NewSQLStore(NewConnector(DriverPostgres, "unused"))
	assert.Equal(t, "SELECT a FROM b WHERE c = $1 AND d = $2", pg.rebind("SELECT a FROM b WHERE c = ? AND d = ?"))

	lite := NewSQLStore(NewConnector(DriverSQLite, "unused"))
	assert.Equal(t, "WHERE c = ?", lite.rebind("WHERE c = ?"))
}

func TestTokenRecord_Validity(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Second)
	future := now.Add(time.Hour)

	noExpiry := &TokenRecord{}
	assert.False(t, noExpiry.Expired(now), "nil expiry is always valid")
	assert.False(t, noExpiry.Expired(time.Time{}))
	assert.False(t, noExpiry.Expired(time.Unix(1<<40, 0)))
	assert.False(t, noExpiry.NeedsRefresh(now, time.Hour))
	_, bounded := noExpiry.Remaining(now)
	assert.False(t, bounded)

	assert.True(t, (&TokenRecord{ExpiresAt: &past}).Expired(now))
	assert.True(t, (&TokenRecord{ExpiresAt: &now}).Expired(now))
	assert.False(t, (&TokenRecord{ExpiresAt: &future}).Expired(now))
	assert.True(t, (&TokenRecord{ExpiresAt: &future}).NeedsRefresh(now, 2*time.Hour))

	clone := (&TokenRecord{ExpiresAt: &future}).Clone()
	*clone.ExpiresAt = past
	assert.True(t, future.After(now), "clone must not alias the original expiry")
}
