package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalid             = errors.New("invalid request")
	ErrDependencyUnhealthy = errors.New("dependency unhealthy")
	ErrStoreUnavailable    = errors.New("store unavailable")
)

// DependencyUnhealthyError rejects an explicit robot recovery.
type DependencyUnhealthyError struct {
	RobotID   int64
	Unhealthy []Kind
}

func (e DependencyUnhealthyError) Error() string {
	names := make([]string, 0, len(e.Unhealthy))
	for _, k := range e.Unhealthy {
		names = append(names, string(k))
	}
	return fmt.Sprintf("robot %d: related objects are not healthy (%s)", e.RobotID, strings.Join(names, ", "))
}

func (e DependencyUnhealthyError) Is(target error) bool {
	return target == ErrDependencyUnhealthy
}

// NotFoundError wraps ErrNotFound with the missing entity.
func NotFoundError(kind Kind, id int64) error {
	return fmt.Errorf("%s %d: %w", kind, id, ErrNotFound)
}
