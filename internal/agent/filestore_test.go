package agent

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tether/internal/custody"
	"tether/internal/store"
)

func newFileStore(t *testing.T) (*FileStore, string) {
	t.Helper()
	dir := t.TempDir()
	fs, err := NewFileStore(filepath.Join(dir, "tokens"), testCipher(t, dir))
	require.NoError(t, err)
	return fs, dir
}

func TestFileStore_Permissions(t *testing.T) {
	fs, _ := newFileStore(t)
	ctx := context.Background()

	info, err := os.Stat(fs.Dir())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())

	_, err = fs.UpsertToken(ctx, &store.TokenRecord{SubjectID: "s", ResourceInstanceID: "i", AccessToken: "a"})
	require.NoError(t, err)
	info, err = os.Stat(fs.tokenPath("s", "i"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestFileStore_Tokens(t *testing.T) {
	fs, _ := newFileStore(t)
	ctx := context.Background()
	exp := time.Now().Add(time.Hour).UTC()

	first, err := fs.UpsertToken(ctx, &store.TokenRecord{
		SubjectID:          "alice",
		TenantID:           "acme",
		ResourceInstanceID: "docs-1",
		RegistrationID:     "reg-docs",
		AccessToken:        "secret-access",
		RefreshToken:       "secret-refresh",
		IDToken:            "secret-id",
		ExpiresAt:          &exp,
	})
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)

	raw, err := os.ReadFile(fs.tokenPath("alice", "docs-1"))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "secret-")
	assert.Contains(t, string(raw), string(custody.AlgorithmSoftware)+":")

	got, err := fs.GetToken(ctx, "alice", "docs-1")
	require.NoError(t, err)
	assert.Equal(t, "secret-access", got.AccessToken)
	assert.Equal(t, "secret-refresh", got.RefreshToken)
	assert.Equal(t, "secret-id", got.IDToken)
	assert.True(t, exp.Equal(*got.ExpiresAt))

	second, err := fs.UpsertToken(ctx, &store.TokenRecord{
		ID:                 "ignored",
		SubjectID:          "alice",
		TenantID:           "acme",
		ResourceInstanceID: "docs-1",
		RegistrationID:     "reg-docs",
		AccessToken:        "rotated",
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "overwrite keeps the record ID")

	byID, err := fs.GetTokenByID(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "rotated", byID.AccessToken)
	assert.Empty(t, byID.RefreshToken)

	_, err = fs.GetTokenByID(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, fs.DeleteToken(ctx, "alice", "docs-1"))
	_, err = fs.GetToken(ctx, "alice", "docs-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, fs.DeleteToken(ctx, "alice", "docs-1"), store.ErrNotFound)
}

func TestFileStore_UpsertReplacesUnreadableToken(t *testing.T) {
	fs, _ := newFileStore(t)
	ctx := context.Background()

	first, err := fs.UpsertToken(ctx, &store.TokenRecord{SubjectID: "alice", ResourceInstanceID: "docs-1", AccessToken: "old"})
	require.NoError(t, err)
	corruptSealedField(t, fs.tokenPath("alice", "docs-1"), "accessToken")

	_, err = fs.GetToken(ctx, "alice", "docs-1")
	require.Error(t, err)

	second, err := fs.UpsertToken(ctx, &store.TokenRecord{SubjectID: "alice", ResourceInstanceID: "docs-1", AccessToken: "new"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	got, err := fs.GetToken(ctx, "alice", "docs-1")
	require.NoError(t, err)
	assert.Equal(t, "new", got.AccessToken)

	require.NoError(t, os.WriteFile(fs.tokenPath("alice", "docs-1"), []byte("{not json"), 0o600))
	third, err := fs.UpsertToken(ctx, &store.TokenRecord{SubjectID: "alice", ResourceInstanceID: "docs-1", AccessToken: "newer"})
	require.NoError(t, err)
	assert.NotEmpty(t, third.ID)
}

func TestFileStore_LatestRegistrationTieBreak(t *testing.T) {
	fs, _ := newFileStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for _, reg := range []*store.ClientRegistration{
		{ID: "b", TenantID: "acme", TemplateID: "docs", ClientID: "second", CreatedAt: at},
		{ID: "a", TenantID: "acme", TemplateID: "docs", ClientID: "first", CreatedAt: at},
	} {
		require.NoError(t, fs.SaveRegistration(ctx, reg))
	}

	for range 5 {
		latest, err := fs.LatestRegistration(ctx, "acme", "docs")
		require.NoError(t, err)
		assert.Equal(t, "second", latest.ClientID)
	}
}

func TestFileStore_Registrations(t *testing.T) {
	fs, _ := newFileStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	older := &store.ClientRegistration{TenantID: "acme", TemplateID: "docs", ClientID: "old", CreatedAt: base}
	newer := &store.ClientRegistration{TenantID: "acme", TemplateID: "docs", ClientID: "new", ClientSecret: "shh", CreatedAt: base.Add(time.Minute)}
	other := &store.ClientRegistration{TenantID: "globex", TemplateID: "docs", ClientID: "globex", CreatedAt: base.Add(time.Hour)}
	for _, reg := range []*store.ClientRegistration{older, newer, other} {
		require.NoError(t, fs.SaveRegistration(ctx, reg))
		require.NotEmpty(t, reg.ID)
	}

	raw, err := os.ReadFile(fs.registrationPath(newer.ID))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "shh")

	latest, err := fs.LatestRegistration(ctx, "acme", "docs")
	require.NoError(t, err)
	assert.Equal(t, "new", latest.ClientID)
	assert.Equal(t, "shh", latest.ClientSecret)

	_, err = fs.LatestRegistration(ctx, "acme", "mail")
	assert.ErrorIs(t, err, store.ErrNotFound)

	got, err := fs.GetRegistration(ctx, older.ID)
	require.NoError(t, err)
	assert.Equal(t, "old", got.ClientID)
}

func TestFileStore_ListTemplateTokens(t *testing.T) {
	fs, _ := newFileStore(t)
	ctx := context.Background()

	docs := &store.ClientRegistration{TenantID: "acme", TemplateID: "docs", ClientID: "d"}
	mail := &store.ClientRegistration{TenantID: "acme", TemplateID: "mail", ClientID: "m"}
	require.NoError(t, fs.SaveRegistration(ctx, docs))
	require.NoError(t, fs.SaveRegistration(ctx, mail))

	for _, rec := range []*store.TokenRecord{
		{SubjectID: "alice", TenantID: "acme", ResourceInstanceID: "docs-1", RegistrationID: docs.ID, AccessToken: "a"},
		{SubjectID: "alice", TenantID: "acme", ResourceInstanceID: "docs-2", RegistrationID: docs.ID, AccessToken: "b"},
		{SubjectID: "alice", TenantID: "acme", ResourceInstanceID: "mail-1", RegistrationID: mail.ID, AccessToken: "c"},
		{SubjectID: "bob", TenantID: "acme", ResourceInstanceID: "docs-1", RegistrationID: docs.ID, AccessToken: "d"},
	} {
		_, err := fs.UpsertToken(ctx, rec)
		require.NoError(t, err)
	}

	recs, err := fs.ListTemplateTokens(ctx, "alice", "acme", "docs")
	require.NoError(t, err)
	var instances []string
	for _, r := range recs {
		instances = append(instances, r.ResourceInstanceID)
	}
	assert.ElementsMatch(t, []string{"docs-1", "docs-2"}, instances)

	all, err := fs.Tokens(ctx)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "alice", all[0].SubjectID)
	assert.Equal(t, "bob", all[3].SubjectID)
}

func TestFileStore_UnknownAlgorithmIsHardError(t *testing.T) {
	fs, _ := newFileStore(t)
	ctx := context.Background()

	path := fs.tokenPath("alice", "docs-1")
	require.NoError(t, os.WriteFile(path, []byte(`{"subjectId":"alice","resourceInstanceId":"docs-1","accessToken":"rot13:abc"}`), 0o600))

	_, err := fs.GetToken(ctx, "alice", "docs-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, custody.ErrUnknownAlgorithm)
}

func TestNewFileStore_RequiresCipher(t *testing.T) {
	_, err := NewFileStore(t.TempDir(), nil)
	assert.Error(t, err)
}
