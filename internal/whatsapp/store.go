package whatsapp

import (
	"context"
	"os"
	"path/filepath"
	"regexp"

	"github.com/pkg/errors"
)

// ErrNoCredentials is returned by SessionStore.Load when nothing is stored.
var ErrNoCredentials = errors.New("whatsapp: no stored credentials")

// SessionStore persists one credentials blob per identity.
type SessionStore interface {
	Load(ctx context.Context, identity SessionIdentity) ([]byte, error)
	Save(ctx context.Context, identity SessionIdentity, blob []byte) error
	Delete(ctx context.Context, identity SessionIdentity) error
}

var identityPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// ValidIdentity reports whether id is safe to use as a storage key and file name.
func ValidIdentity(id SessionIdentity) bool {
	return identityPattern.MatchString(string(id))
}

// FileSessionStore keeps each blob in <Dir>/<identity>.session.
type FileSessionStore struct {
	Dir string
}

func NewFileSessionStore(dir string) *FileSessionStore {
	return &FileSessionStore{Dir: dir}
}

func (s *FileSessionStore) path(identity SessionIdentity) (string, error) {
	if !ValidIdentity(identity) {
		return "", errors.Errorf("whatsapp: invalid session identity %q", identity)
	}
	return filepath.Join(s.Dir, string(identity)+".session"), nil
}

func (s *FileSessionStore) Load(_ context.Context, identity SessionIdentity) ([]byte, error) {
	p, err := s.path(identity)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoCredentials
	}
	if err != nil {
		return nil, errors.Wrapf(err, "whatsapp: read session %s", identity)
	}
	if len(data) == 0 {
		return nil, ErrNoCredentials
	}
	return data, nil
}

// Save writes through a temp file and rename so a crash never leaves a
// truncated blob behind.
func (s *FileSessionStore) Save(_ context.Context, identity SessionIdentity, blob []byte) error {
	p, err := s.path(identity)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.Dir, 0o700); err != nil {
		return errors.Wrap(err, "whatsapp: create session dir")
	}
	tmp, err := os.CreateTemp(s.Dir, string(identity)+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "whatsapp: create temp session file")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		return errors.Wrap(err, "whatsapp: write session")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "whatsapp: sync session")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "whatsapp: close session")
	}
	return errors.Wrap(os.Rename(tmp.Name(), p), "whatsapp: replace session")
}

func (s *FileSessionStore) Delete(_ context.Context, identity SessionIdentity) error {
	p, err := s.path(identity)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.Wrapf(err, "whatsapp: delete session %s", identity)
	}
	return nil
}
