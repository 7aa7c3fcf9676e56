package obvsync

import (
	crypto_rand "crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
)

const saltSize = 16

// newKey derives a database key from password and the salt stored at root/saltName, creating the salt
// the first time.
func newKey(password, root, saltName string) ([]byte, error) {
	saltPath := filepath.Join(root, saltName)
	salt, err := readSalt(saltPath)
	if errors.Is(err, os.ErrNotExist) {
		salt, err = writeSalt(saltPath)
	}
	if err != nil {
		return nil, fmt.Errorf("obvsync: error loading salt %s: %w", saltPath, err)
	}
	return argon2.IDKey([]byte(password), salt, 1, 64*1024, 4, 32), nil
}

func readSalt(saltPath string) ([]byte, error) {
	f, err := os.Open(saltPath) // #nosec G304
	if err != nil {
		return nil, err
	}
	defer f.Close()
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(f, salt); err != nil {
		return nil, err
	}
	return salt, nil
}

func writeSalt(saltPath string) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := crypto_rand.Read(salt); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(saltPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL|os.O_SYNC, 0o400) // #nosec G304
	if err != nil {
		return nil, err
	}
	if _, err := f.Write(salt); err != nil {
		_ = f.Close()
		return nil, err
	}
	return salt, f.Close()
}
