package file

import (
	"path/filepath"
	"testing"

	"github.com/openwisp/x509-authority/pkg/x509util"

	"github.com/go-kit/kit/log"
)

func TestPutAndGetCAKey(t *testing.T) {
	store := NewFile(filepath.Join(t.TempDir(), "keys"), log.NewNopLogger())

	key, err := x509util.GenerateKey("512")
	if err != nil {
		t.Fatalf("Unable to generate key: %s", err)
	}
	keyPEM, err := x509util.EncodeKeyPEM(key)
	if err != nil {
		t.Fatalf("Unable to encode key: %s", err)
	}

	if err := store.PutCAKey("default", keyPEM); err != nil {
		t.Fatalf("Unable to store CA key: %s", err)
	}
	loaded, err := store.GetCAKey("default")
	if err != nil {
		t.Fatalf("Unable to load CA key: %s", err)
	}
	if !key.Equal(loaded) {
		t.Error("Loaded key differs from the stored one")
	}

	if _, err := store.GetCAKey("missing"); err == nil {
		t.Error("Loading a missing CA key should fail")
	}
}

func TestDeleteCAKey(t *testing.T) {
	store := NewFile(filepath.Join(t.TempDir(), "keys"), log.NewNopLogger())

	key, err := x509util.GenerateKey("512")
	if err != nil {
		t.Fatalf("Unable to generate key: %s", err)
	}
	keyPEM, err := x509util.EncodeKeyPEM(key)
	if err != nil {
		t.Fatalf("Unable to encode key: %s", err)
	}

	if err := store.PutCAKey("default", keyPEM); err != nil {
		t.Fatalf("Unable to store CA key: %s", err)
	}
	if err := store.DeleteCAKey("default"); err != nil {
		t.Fatalf("Unable to delete CA key: %s", err)
	}
	if _, err := store.GetCAKey("default"); err == nil {
		t.Error("Loading a deleted CA key should fail")
	}
	if err := store.DeleteCAKey("missing"); err == nil {
		t.Error("Deleting a missing CA key should fail")
	}
}
