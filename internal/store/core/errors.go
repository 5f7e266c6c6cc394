package core

import "errors"

var (
	// ErrNotFound indica que el registro solicitado no existe.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict indica violación de unicidad: otro usuario ya es dueño
	// de ese (provider, subject_id), o carrera sobre el mismo row.
	ErrConflict = errors.New("store: conflict")
)

// IsNotFound verifica si el error es ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict verifica si el error es ErrConflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
