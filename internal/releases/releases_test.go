package releases

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patapim-server/config"
)

type mapSource map[string]string

func (m mapSource) Open(_ context.Context, name string) (io.ReadCloser, int64, error) {
	body, ok := m[name]
	if !ok {
		return nil, 0, errObjectNotFound
	}
	return io.NopCloser(strings.NewReader(body)), int64(len(body)), nil
}

func TestManifestMissing(t *testing.T) {
	s := NewStore(mapSource{}, zerolog.Nop())
	_, err := s.Manifest(context.Background())
	assert.ErrorIs(t, err, ErrNoReleases)

	_, err = s.Installer(context.Background())
	assert.ErrorIs(t, err, ErrNoReleases)
}

func TestInstallerAndZip(t *testing.T) {
	src := mapSource{
		ManifestName:       `{"version":"1.4.0","file":"PATAPIM-Setup-1.4.0.exe","zipFile":"PATAPIM-1.4.0.zip","notes":"fixes"}`,
		"PATAPIM-Setup-1.4.0.exe": "installer-bytes",
	}
	s := NewStore(src, zerolog.Nop())
	ctx := context.Background()

	m, err := s.Manifest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1.4.0", m.Version)
	assert.Equal(t, "fixes", m.Notes)

	a, err := s.Installer(ctx)
	require.NoError(t, err)
	defer a.Close()
	assert.Equal(t, int64(15), a.Size)
	assert.Equal(t, "1.4.0", a.Version)
	body, _ := io.ReadAll(a)
	assert.Equal(t, "installer-bytes", string(body))

	_, err = s.Zip(ctx)
	assert.ErrorIs(t, err, ErrZipMissing)
}

func TestManifestEdgeCases(t *testing.T) {
	tests := []struct {
		name     string
		manifest string
		call     func(*Store) error
		want     error
	}{
		{"no zip listed", `{"version":"1","file":"a.exe"}`, func(s *Store) error { _, err := s.Zip(context.Background()); return err }, ErrNoZip},
		{"installer gone", `{"version":"1","file":"a.exe"}`, func(s *Store) error { _, err := s.Installer(context.Background()); return err }, ErrNoInstaller},
		{"path in entry", `{"version":"1","file":"../secrets.json"}`, func(s *Store) error { _, err := s.Installer(context.Background()); return err }, ErrNoInstaller},
		{"garbage", `not json`, func(s *Store) error { _, err := s.Manifest(context.Background()); return err }, ErrBadManifest},
		{"no version", `{"file":"a.exe"}`, func(s *Store) error { _, err := s.Manifest(context.Background()); return err }, ErrBadManifest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore(mapSource{ManifestName: tt.manifest, "secrets.json": "x"}, zerolog.Nop())
			assert.ErrorIs(t, tt.call(s), tt.want)
		})
	}
}

func TestDialRejectsUnknownKind(t *testing.T) {
	_, err := Dial(config.ReleasesConfig{Kind: "ftp", Container: "releases"}, zerolog.Nop())
	assert.Error(t, err)

	_, err = Dial(config.ReleasesConfig{Kind: "local", Container: "releases"}, zerolog.Nop())
	assert.Error(t, err)
}
