package vault

import (
	"crypto"
	"errors"
	"strings"

	"github.com/openwisp/x509-authority/pkg/secrets/ca"
	"github.com/openwisp/x509-authority/pkg/x509util"

	"github.com/hashicorp/vault/api"
)

type vaultStore struct {
	client   *api.Client
	roleID   string
	secretID string
	mount    string
}

func NewVaultStore(address string, roleID string, secretID string, mount string) (ca.Store, error) {
	conf := api.DefaultConfig()
	conf.Address = strings.ReplaceAll(conf.Address, "https://127.0.0.1:8200", address)
	tlsConf := &api.TLSConfig{Insecure: true}
	conf.ConfigureTLS(tlsConf)
	client, err := api.NewClient(conf)
	if err != nil {
		return nil, err
	}

	err = login(client, roleID, secretID)
	if err != nil {
		return nil, err
	}
	return &vaultStore{client: client, roleID: roleID, secretID: secretID, mount: mount}, nil
}

func login(client *api.Client, roleID string, secretID string) error {
	loginPath := "auth/approle/login"
	options := map[string]interface{}{
		"role_id":   roleID,
		"secret_id": secretID,
	}
	resp, err := client.Logical().Write(loginPath, options)
	if err != nil {
		return err
	}
	client.SetToken(resp.Auth.ClientToken)
	return nil
}

func (vs *vaultStore) PutCAKey(caName string, keyPEM []byte) error {
	keyPath := vs.mount + "/cas/" + caName
	options := map[string]interface{}{
		"private_key": string(keyPEM),
	}
	_, err := vs.client.Logical().Write(keyPath, options)
	return err
}

func (vs *vaultStore) GetCAKey(caName string) (crypto.Signer, error) {
	keyPath := vs.mount + "/cas/" + caName
	resp, err := vs.client.Logical().Read(keyPath)
	if err != nil {
		return nil, err
	}
	if resp == nil || resp.Data["private_key"] == nil {
		return nil, errors.New("CA key not found in vault")
	}
	keyPEM, ok := resp.Data["private_key"].(string)
	if !ok {
		return nil, errors.New("unexpected CA key secret format")
	}
	return x509util.ParsePrivateKeyPEM([]byte(keyPEM))
}

func (vs *vaultStore) DeleteCAKey(caName string) error {
	keyPath := vs.mount + "/cas/" + caName
	_, err := vs.client.Logical().Delete(keyPath)
	return err
}
