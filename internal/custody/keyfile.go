package custody

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"tether/pkg/logging"
)

const (
	// MasterKeySize is the size of the software strategy master key.
	MasterKeySize = 32

	keyFileMode = 0o600
	keyDirMode  = 0o700
)

// readKeyFile loads the master key and verifies size and permissions on
// every call.
func readKeyFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat key file: %w", err)
	}

	if runtime.GOOS != "windows" && info.Mode().Perm() != keyFileMode {
		logging.Audit("Custody", "key_file_permissions",
			"path", path,
			"mode", fmt.Sprintf("%04o", info.Mode().Perm()))
		return nil, fmt.Errorf("%w: %s has mode %04o, want %04o", ErrKeyFileInsecure, path, info.Mode().Perm(), keyFileMode)
	}
	if info.Size() != MasterKeySize {
		logging.Audit("Custody", "key_file_size", "path", path, "size", info.Size())
		return nil, fmt.Errorf("%w: %s is %d bytes, want %d", ErrKeyFileInsecure, path, info.Size(), MasterKeySize)
	}

	key := make([]byte, MasterKeySize)
	if _, err := io.ReadFull(f, key); err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	return key, nil
}

// loadOrCreateKeyFile returns the master key, generating it when the file
// does not exist. An existing file that fails verification is an error.
func loadOrCreateKeyFile(path string) ([]byte, error) {
	key, err := readKeyFile(path)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), keyDirMode); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, keyFileMode)
	if errors.Is(err, os.ErrExist) {
		// Another process created it first.
		return readKeyFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create key file: %w", err)
	}

	key = make([]byte, MasterKeySize)
	_, _ = rand.Read(key)

	if _, err := f.Write(key); err != nil {
		f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}
	// umask may have narrowed the mode further than 0600.
	if err := os.Chmod(path, keyFileMode); err != nil {
		return nil, fmt.Errorf("failed to set key file permissions: %w", err)
	}

	logging.Info("Custody", "Generated new master key file at %s", path)
	return key, nil
}
