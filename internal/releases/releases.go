// Package releases serves the desktop installer manifest and artifacts from an
// object store container.
package releases

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gomodules.xyz/stow"
	"gomodules.xyz/stow/local"
	"gomodules.xyz/stow/s3"

	"patapim-server/config"
	"patapim-server/internal/apperr"
)

var tracer = otel.Tracer("patapim-server/internal/releases")

// ManifestName is the object describing the current release
const ManifestName = "latest.json"

const maxManifestSize = 64 << 10

var (
	ErrNoReleases     = apperr.NotFound("NO_RELEASES", "No releases available yet")
	ErrBadManifest    = errors.New("release manifest is invalid")
	ErrNoInstaller    = apperr.NotFound("INSTALLER_NOT_FOUND", "Installer file not found")
	ErrNoZip          = apperr.NotFound("ZIP_NOT_AVAILABLE", "ZIP distribution not available")
	ErrZipMissing     = apperr.NotFound("ZIP_NOT_FOUND", "ZIP file not found")
	errObjectNotFound = errors.New("object not found")
)

// Manifest is the content of latest.json
type Manifest struct {
	Version string `json:"version"`
	File    string `json:"file"`
	ZipFile string `json:"zipFile,omitempty"`
	Notes   string `json:"notes,omitempty"`
}

// Source opens objects by name
type Source interface {
	Open(ctx context.Context, name string) (io.ReadCloser, int64, error)
}

// Artifact is an open release file
type Artifact struct {
	io.ReadCloser
	Name    string
	Size    int64
	Version string
}

type Store struct {
	src    Source
	logger zerolog.Logger
}

func NewStore(src Source, logger zerolog.Logger) *Store {
	return &Store{src: src, logger: logger.With().Str("component", "Releases").Logger()}
}

// Dial opens the configured container
func Dial(cfg config.ReleasesConfig, logger zerolog.Logger) (*Store, error) {
	kind := cfg.Kind
	if kind == "" {
		kind = local.Kind
	}

	cm := stow.ConfigMap{}
	for k, v := range cfg.Options {
		cm[k] = v
	}
	switch kind {
	case local.Kind:
		if _, ok := cm[local.ConfigKeyPath]; !ok {
			return nil, fmt.Errorf("releases: local store requires option %q", local.ConfigKeyPath)
		}
	case s3.Kind:
		if _, ok := cm[s3.ConfigAuthType]; !ok {
			cm[s3.ConfigAuthType] = "iam"
		}
	default:
		return nil, fmt.Errorf("releases: unsupported store kind %q", kind)
	}

	loc, err := stow.Dial(kind, cm)
	if err != nil {
		return nil, fmt.Errorf("releases: dial %s: %w", kind, err)
	}
	container, err := loc.Container(cfg.Container)
	if err != nil {
		return nil, fmt.Errorf("releases: open container %q: %w", cfg.Container, err)
	}

	logger.Info().Str("kind", kind).Str("container", cfg.Container).Msg("Release store ready")
	return NewStore(&stowSource{container: container}, logger), nil
}

type stowSource struct {
	container stow.Container
}

func (s *stowSource) Open(ctx context.Context, name string) (io.ReadCloser, int64, error) {
	item, err := s.container.Item(name)
	if err != nil {
		if errors.Is(err, stow.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			return nil, 0, errObjectNotFound
		}
		return nil, 0, err
	}
	size, err := item.Size()
	if err != nil {
		return nil, 0, err
	}
	rc, err := item.Open()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, errObjectNotFound
		}
		return nil, 0, err
	}
	return rc, size, nil
}

// Manifest reads latest.json
func (s *Store) Manifest(ctx context.Context) (*Manifest, error) {
	ctx, span := tracer.Start(ctx, "releases.Manifest")
	defer span.End()

	rc, _, err := s.src.Open(ctx, ManifestName)
	if errors.Is(err, errObjectNotFound) {
		return nil, ErrNoReleases
	}
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer rc.Close()

	var m Manifest
	if err := json.NewDecoder(io.LimitReader(rc, maxManifestSize)).Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadManifest, err)
	}
	if m.Version == "" || m.File == "" {
		return nil, ErrBadManifest
	}
	return &m, nil
}

// Installer opens the installer named by the manifest
func (s *Store) Installer(ctx context.Context) (*Artifact, error) {
	m, err := s.Manifest(ctx)
	if err != nil {
		return nil, err
	}
	return s.open(ctx, m.Version, m.File, ErrNoInstaller)
}

// Zip opens the portable zip named by the manifest
func (s *Store) Zip(ctx context.Context) (*Artifact, error) {
	m, err := s.Manifest(ctx)
	if err != nil {
		return nil, err
	}
	if m.ZipFile == "" {
		return nil, ErrNoZip
	}
	return s.open(ctx, m.Version, m.ZipFile, ErrZipMissing)
}

func (s *Store) open(ctx context.Context, version, name string, missing error) (*Artifact, error) {
	ctx, span := tracer.Start(ctx, "releases.Open")
	defer span.End()
	span.SetAttributes(attribute.String("release.file", name))

	// manifest entries are object names, never paths out of the container
	if name != path.Base(name) || strings.Contains(name, "\\") || name == ".." {
		s.logger.Warn().Str("file", name).Msg("Refusing manifest entry with a path")
		return nil, missing
	}

	rc, size, err := s.src.Open(ctx, name)
	if errors.Is(err, errObjectNotFound) {
		return nil, missing
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return &Artifact{ReadCloser: rc, Name: name, Size: size, Version: version}, nil
}
