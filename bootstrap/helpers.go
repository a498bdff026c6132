package bootstrap

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"go.uber.org/zap"
)

// EnsureDataDirectory creates the directory holding path and checks that
// it is writable. Runs before the audit store is opened so a bad volume
// mount fails with a remediation hint instead of a driver error.
func EnsureDataDirectory(path string, sugar *zap.SugaredLogger) error {
	dir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return fmt.Errorf("failed to resolve absolute path for %s: %w", path, err)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create directory %s: %w\n"+
			"  Remediation: Ensure the parent directory exists and is writable\n"+
			"  For Docker: Check volume mount permissions", dir, err)
	}

	probe := filepath.Join(dir, ".medgate_write_test")
	if err := os.WriteFile(probe, []byte("test"), 0o600); err != nil {
		return fmt.Errorf("directory %s is not writable: %w\n"+
			"  Remediation: Check file system permissions\n"+
			"  For Docker: Ensure volume is mounted with write access", dir, err)
	}
	_ = os.Remove(probe)

	sugar.Infow("Data directory ready", "path", dir)
	return nil
}

// GenerateSecret returns a URL-safe random string of at least 32
// characters, long enough to pass the signing-key checks
func GenerateSecret(length int) (string, error) {
	if length < 32 {
		length = 32
	}
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	secret := base64.RawURLEncoding.EncodeToString(buf)
	return secret[:length], nil
}

// ClassifyRedisError turns a connection failure into an operator hint
func ClassifyRedisError(err error, addr string) string {
	if err == nil {
		return ""
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Sprintf("Connection to Redis at %s timed out.\n"+
			"  Remediation:\n"+
			"  - Check that Redis is running and reachable: nc -zv %s\n"+
			"  - Check firewall rules between this host and Redis", addr, addr)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" && errors.Is(opErr.Err, syscall.ECONNREFUSED) {
		return fmt.Sprintf("Connection refused by Redis at %s.\n"+
			"  This usually means Redis is not running.\n"+
			"  Remediation:\n"+
			"  - Start Redis: docker compose up -d redis\n"+
			"  - Or disable the shared store: rate_limit.redis.enabled=false", addr)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no such host"):
		return fmt.Sprintf("Cannot resolve hostname in Redis address %s.\n"+
			"  Remediation:\n"+
			"  - Verify rate_limit.redis.addr\n"+
			"  - Check DNS configuration", addr)
	case strings.Contains(msg, "noauth") || strings.Contains(msg, "wrongpass"):
		return fmt.Sprintf("Authentication failed for Redis at %s.\n"+
			"  Remediation:\n"+
			"  - Set rate_limit.redis.password or MEDGATE_RATE_LIMIT_REDIS_PASSWORD", addr)
	}

	return fmt.Sprintf("Failed to connect to Redis at %s: %v\n"+
		"  Remediation:\n"+
		"  - Ensure Redis is running and accessible\n"+
		"  - Check the rate_limit.redis settings", addr, err)
}

// ClassifySQLiteError turns an audit store open failure into an operator hint
func ClassifySQLiteError(err error, dbPath string) string {
	if err == nil {
		return ""
	}
	absPath, _ := filepath.Abs(dbPath)
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "permission denied"):
		return fmt.Sprintf("Permission denied accessing the audit database at %s.\n"+
			"  Remediation:\n"+
			"  - Check file permissions: ls -la %s\n"+
			"  - For Docker: Ensure the volume is mounted with proper user permissions",
			absPath, filepath.Dir(absPath))
	case strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy"):
		return fmt.Sprintf("Audit database at %s is locked by another process.\n"+
			"  Remediation:\n"+
			"  - Check for another running instance: ps aux | grep medgate\n"+
			"  - Point audit.sqlite_path at a per-instance file", absPath)
	case strings.Contains(msg, "disk full") || strings.Contains(msg, "no space") || strings.Contains(msg, "sqlite_full"):
		return fmt.Sprintf("Disk full: cannot write the audit database at %s.\n"+
			"  Remediation:\n"+
			"  - Free up disk space or expand the volume\n"+
			"  - Review audit.retention_days", absPath)
	case strings.Contains(msg, "corrupt") || strings.Contains(msg, "malformed"):
		return fmt.Sprintf("Audit database at %s appears to be corrupted.\n"+
			"  CRITICAL: Back up the file before proceeding!\n"+
			"  Remediation:\n"+
			"  - Check integrity: sqlite3 %s \"PRAGMA integrity_check;\"\n"+
			"  - Restore from backup", absPath, absPath)
	}

	return fmt.Sprintf("Failed to open the audit database at %s: %v\n"+
		"  Remediation:\n"+
		"  - Ensure %s exists and is writable\n"+
		"  - Check disk space and permissions", absPath, err, filepath.Dir(absPath))
}
