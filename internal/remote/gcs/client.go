package gcs

import (
	"context"
	"errors"
	"os"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

type Config struct {
	Bucket          string
	Prefix          string
	CredentialsFile string
	Endpoint        string // non-empty for emulators and private endpoints
}

func NewClient(ctx context.Context, cfg Config) (*storage.Client, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs: missing bucket")
	}
	var opts []option.ClientOption
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	switch {
	case os.Getenv("STORAGE_EMULATOR_HOST") != "":
		// the emulator accepts anything; the client picks the host up itself
		opts = append(opts, option.WithoutAuthentication())
	case cfg.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	// otherwise Application Default Credentials
	return storage.NewClient(ctx, opts...)
}
