package file

import (
	"crypto"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/openwisp/x509-authority/pkg/secrets/ca"
	"github.com/openwisp/x509-authority/pkg/x509util"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

type file struct {
	keyDir string
	logger log.Logger
}

func NewFile(keyDir string, logger log.Logger) ca.Store {
	return &file{keyDir: keyDir, logger: logger}
}

func (f *file) PutCAKey(caName string, keyPEM []byte) error {
	if err := os.MkdirAll(f.keyDir, 0700); err != nil {
		level.Error(f.logger).Log("err", err, "msg", "Could not create CA key directory")
		return err
	}
	if err := ioutil.WriteFile(f.keyPath(caName), keyPEM, 0600); err != nil {
		level.Error(f.logger).Log("err", err, "msg", "Could not store CA key for "+caName)
		return err
	}
	level.Info(f.logger).Log("msg", "CA key for "+caName+" stored")
	return nil
}

func (f *file) GetCAKey(caName string) (crypto.Signer, error) {
	keyPEM, err := ioutil.ReadFile(f.keyPath(caName))
	if err != nil {
		level.Error(f.logger).Log("err", err, "msg", "Could not load CA key for "+caName)
		return nil, err
	}
	key, err := x509util.ParsePrivateKeyPEM(keyPEM)
	if err != nil {
		level.Error(f.logger).Log("err", err, "msg", "Could not parse CA key for "+caName)
		return nil, err
	}
	level.Info(f.logger).Log("msg", "CA key for "+caName+" loaded")
	return key, nil
}

func (f *file) DeleteCAKey(caName string) error {
	if err := os.Remove(f.keyPath(caName)); err != nil {
		level.Error(f.logger).Log("err", err, "msg", "Could not delete CA key for "+caName)
		return err
	}
	level.Info(f.logger).Log("msg", "CA key for "+caName+" deleted")
	return nil
}

func (f *file) keyPath(caName string) string {
	return filepath.Join(f.keyDir, caName+".key")
}
