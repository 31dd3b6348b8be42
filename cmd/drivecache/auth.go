package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/m-rots/stubbs"
)

var scopes = []string{
	"https://www.googleapis.com/auth/drive",
}

type googleServiceAccount struct {
	Email      string `json:"client_email"`
	PrivateKey string `json:"private_key"`
}

func getStubbs(path string, scopes []string) (*stubbs.Stubbs, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open service account: %w", err)
	}
	defer file.Close()

	sa := new(googleServiceAccount)
	if err := json.NewDecoder(file).Decode(sa); err != nil {
		return nil, fmt.Errorf("error decoding service account: %w", err)
	}

	if sa.Email == "" || sa.PrivateKey == "" {
		return nil, errors.New("service account misses client_email or private_key")
	}

	priv, err := stubbs.ParseKey(sa.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	return stubbs.New(sa.Email, &priv, scopes, 3600), nil
}
