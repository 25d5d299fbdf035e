package whatsapp

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/talkincode/wagate/internal/domain"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newGormStore(t *testing.T) *GormSessionStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.AutoMigrate(&domain.WhatsAppCredential{}); err != nil {
		t.Fatal(err)
	}
	return &GormSessionStore{DB: db}
}

func TestSessionStores(t *testing.T) {
	stores := map[string]func(t *testing.T) SessionStore{
		"file": func(t *testing.T) SessionStore {
			return NewFileSessionStore(filepath.Join(t.TempDir(), "sessions"))
		},
		"bolt": func(t *testing.T) SessionStore {
			s, err := OpenBoltSessionStore(filepath.Join(t.TempDir(), "sessions.bolt"))
			if err != nil {
				t.Fatal(err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		},
		"gorm": func(t *testing.T) SessionStore {
			return newGormStore(t)
		},
	}
	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)

			if _, err := s.Load(ctx, Admin); !errors.Is(err, ErrNoCredentials) {
				t.Fatalf("empty load: %v", err)
			}
			if err := s.Save(ctx, Admin, []byte("v1")); err != nil {
				t.Fatal(err)
			}
			if err := s.Save(ctx, Admin, []byte("v2")); err != nil {
				t.Fatal(err)
			}
			if err := s.Save(ctx, Global, []byte("g")); err != nil {
				t.Fatal(err)
			}
			got, err := s.Load(ctx, Admin)
			if err != nil || string(got) != "v2" {
				t.Fatalf("load = %q, %v", got, err)
			}

			if err := s.Delete(ctx, Admin); err != nil {
				t.Fatal(err)
			}
			if _, err := s.Load(ctx, Admin); !errors.Is(err, ErrNoCredentials) {
				t.Fatalf("load after delete: %v", err)
			}
			if err := s.Delete(ctx, Admin); err != nil {
				t.Fatalf("second delete: %v", err)
			}
			if got, _ := s.Load(ctx, Global); string(got) != "g" {
				t.Fatalf("other identity affected: %q", got)
			}
		})
	}
}

func TestFileSessionStoreRejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	s := NewFileSessionStore(filepath.Join(dir, "sessions"))
	if err := s.Save(context.Background(), "../escape", []byte("x")); err == nil {
		t.Fatal("path traversal accepted")
	}
	if _, err := os.Stat(filepath.Join(dir, "escape.session")); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("file written outside the session dir")
	}
}

func TestFileSessionStoreLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s := NewFileSessionStore(dir)
	for i := 0; i < 3; i++ {
		if err := s.Save(context.Background(), Admin, []byte("blob")); err != nil {
			t.Fatal(err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "admin.session" {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("dir entries = %v", names)
	}
}

func TestValidIdentity(t *testing.T) {
	for id, want := range map[SessionIdentity]bool{
		"admin":     true,
		"tenant-7":  true,
		"a.b_c":     true,
		"":          false,
		"../x":      false,
		"-lead":     false,
		"has space": false,
	} {
		if got := ValidIdentity(id); got != want {
			t.Errorf("ValidIdentity(%q) = %v, want %v", id, got, want)
		}
	}
}
