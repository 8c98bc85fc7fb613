package integration

import (
	"context"
	"fmt"
	"net"
	"os"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bda-association/bda-portal/internal/retry"
	"github.com/bda-association/bda-portal/internal/service"
)

const (
	minioImage    = "docker.io/minio/minio:RELEASE.2025-09-07T16-13-09Z"
	minioUser     = "portal-it"
	minioPassword = "portal-it-secret"
)

// certificateBucket is a MinIO container with an empty bucket, as seen by
// the portal's storage service and by a raw client for assertions.
type certificateBucket struct {
	endpoint string
	bucket   string
	storage  *service.MinIOStorageService
	client   *minio.Client
}

// startCertificateBucket needs Docker; MINIO_TEST_IMAGE overrides the image.
func startCertificateBucket(t *testing.T) *certificateBucket {
	t.Helper()
	if testing.Short() {
		t.Skip("minio container tests are skipped in -short mode")
	}
	image := os.Getenv("MINIO_TEST_IMAGE")
	if image == "" {
		image = minioImage
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        image,
			Env:          map[string]string{"MINIO_ROOT_USER": minioUser, "MINIO_ROOT_PASSWORD": minioPassword},
			ExposedPorts: []string{"9000/tcp"},
			Cmd:          []string{"server", "/data", "--address", ":9000"},
			WaitingFor:   wait.ForHTTP("/minio/health/ready").WithPort("9000/tcp").WithStartupTimeout(45 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start minio: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("minio host: %v", err)
	}
	port, err := container.MappedPort(ctx, "9000/tcp")
	if err != nil {
		t.Fatalf("minio port: %v", err)
	}
	b := &certificateBucket{
		endpoint: net.JoinHostPort(host, port.Port()),
		bucket:   fmt.Sprintf("certificates-it-%d", time.Now().UnixNano()),
	}
	if b.storage, err = service.NewMinIOStorageService(b.endpoint, minioUser, minioPassword, b.bucket, false); err != nil {
		t.Fatalf("storage service: %v", err)
	}
	if b.client, err = minio.New(b.endpoint, &minio.Options{Creds: credentials.NewStaticV4(minioUser, minioPassword, "")}); err != nil {
		t.Fatalf("minio client: %v", err)
	}

	// The bucket does not exist yet; Ping only needs the server to answer.
	policy := retry.Policy{Name: "minio_it", MaxAttempts: 20, InitialInterval: 250 * time.Millisecond, MaxInterval: time.Second, Multiplier: 1.5}
	if err := retry.Do(ctx, policy, b.storage.Ping); err != nil {
		t.Fatalf("minio not reachable: %v", err)
	}
	return b
}

// stat returns the stored object's metadata, or nil when it is absent.
func (b *certificateBucket) stat(t *testing.T, key string) *minio.ObjectInfo {
	t.Helper()
	info, err := b.client.StatObject(context.Background(), b.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if code := minio.ToErrorResponse(err).Code; code == "NoSuchKey" || code == "NoSuchBucket" {
			return nil
		}
		t.Fatalf("stat %s: %v", key, err)
	}
	return &info
}
