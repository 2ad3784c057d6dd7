//go:build integration

package integration

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/edqueue/edqueue/internal/platform/db"
)

const (
	defaultPostgresImage = "postgres:16-alpine"
	containerLabel       = "edqueue.integration=true"
	readyTimeout         = 30 * time.Second
)

// queueDatabase describes the throwaway database the queue tests run against.
type queueDatabase struct {
	image    string
	user     string
	password string
	name     string
	port     int
}

func (d queueDatabase) connString() string {
	return fmt.Sprintf("postgres://%s:%s@localhost:%d/%s?sslmode=disable", d.user, d.password, d.port, d.name)
}

func (d queueDatabase) containerName() string {
	return fmt.Sprintf("edqueue-pg-%d", d.port)
}

// startPostgresContainer runs Postgres through the Docker CLI. The image can
// be pinned with EDQUEUE_TEST_PG_IMAGE; advisory transaction locks and
// hashtextextended need 11 or newer.
func startPostgresContainer(ctx context.Context) (string, func(), error) {
	port, err := freePort()
	if err != nil {
		return "", nil, fmt.Errorf("find free port: %w", err)
	}
	d := queueDatabase{
		image:    os.Getenv("EDQUEUE_TEST_PG_IMAGE"),
		user:     "edqueue",
		password: "edqueue",
		name:     "edqueue_test",
		port:     port,
	}
	if d.image == "" {
		d.image = defaultPostgresImage
	}

	exec.CommandContext(ctx, "docker", "rm", "-f", d.containerName()).Run()

	output, err := exec.CommandContext(ctx, "docker", "run", "-d", "--rm",
		"--name", d.containerName(),
		"--label", containerLabel,
		"-p", fmt.Sprintf("%d:5432", d.port),
		"-e", "POSTGRES_USER="+d.user,
		"-e", "POSTGRES_PASSWORD="+d.password,
		"-e", "POSTGRES_DB="+d.name,
		"-e", "TZ=UTC",
		d.image,
	).CombinedOutput()
	if err != nil {
		return "", nil, fmt.Errorf("docker run %s: %w\noutput: %s", d.image, err, output)
	}
	containerID := strings.TrimSpace(string(output))
	cleanup := func() {
		exec.Command("docker", "rm", "-f", containerID).Run()
	}

	if err := waitForQueueLocks(ctx, d.connString(), readyTimeout); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("wait for %s: %w", d.image, err)
	}
	return d.connString(), cleanup, nil
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// waitForQueueLocks retries until the server can run a transaction holding
// the per-hospital advisory lock the recalculator takes.
func waitForQueueLocks(ctx context.Context, connStr string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	var lastErr error
	for {
		if lastErr = lockRoundTrip(ctx, connStr); lastErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("not ready after %v: %w", timeout, lastErr)
		case <-ticker.C:
		}
	}
}

func lockRoundTrip(ctx context.Context, connStr string) error {
	attemptCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	pool, err := pgxpool.New(attemptCtx, connStr)
	if err != nil {
		return err
	}
	defer pool.Close()

	return db.NewTxManager(pool).InTx(attemptCtx, "hospital:readiness", func(context.Context) error {
		return nil
	})
}
