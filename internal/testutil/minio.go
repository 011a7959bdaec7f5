//go:build integration

package testutil

import (
	"os"
	"testing"
)

// MinIOEnv is the test object store.
type MinIOEnv struct {
	Endpoint  string
	AccessKey string
	SecretKey string
}

// SkipIfNoMinIO reads NEWTDEPLOY_TEST_MINIO_ENDPOINT and the matching
// ACCESS_KEY and SECRET_KEY variables.
func SkipIfNoMinIO(t *testing.T) MinIOEnv {
	t.Helper()
	return MinIOEnv{
		Endpoint:  requireService(t, "MINIO_ENDPOINT", "MinIO"),
		AccessKey: os.Getenv(envPrefix + "MINIO_ACCESS_KEY"),
		SecretKey: os.Getenv(envPrefix + "MINIO_SECRET_KEY"),
	}
}
