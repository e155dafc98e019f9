package secrets

import (
	"errors"
	"fmt"

	pkgerrors "fleet-agent/pkg/errors"
)

func notFound(msg, key string) error {
	return fmt.Errorf("%s: %s: %w", msg, key, pkgerrors.ErrNotFound)
}

// IsNotFound key 不存在
func IsNotFound(err error) bool {
	return errors.Is(err, pkgerrors.ErrNotFound)
}
