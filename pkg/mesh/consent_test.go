package mesh

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStaticConsent(t *testing.T) {
	granted, err := StaticConsent(true).Consent()
	require.NoError(t, err)
	require.True(t, granted)

	granted, err = StaticConsent(false).Consent()
	require.NoError(t, err)
	require.False(t, granted)
}

func TestFileConsentDefaultsToFalse(t *testing.T) {
	store := NewFileConsentStore(filepath.Join(newTestDir(t), "settings.json"))
	granted, err := store.Consent()
	require.NoError(t, err)
	require.False(t, granted, "a missing settings file means no consent")
}

func TestFileConsentRoundTrip(t *testing.T) {
	store := NewFileConsentStore(filepath.Join(newTestDir(t), "settings.json"))

	require.NoError(t, store.SetConsent(true))
	granted, err := store.Consent()
	require.NoError(t, err)
	require.True(t, granted)

	require.NoError(t, store.SetConsent(false))
	granted, err = store.Consent()
	require.NoError(t, err)
	require.False(t, granted)
}

func TestFileConsentRejectsCorruptSettings(t *testing.T) {
	path := filepath.Join(newTestDir(t), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	_, err := NewFileConsentStore(path).Consent()
	require.Error(t, err)
}
