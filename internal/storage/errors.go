package storage

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ashita-ai/shugo/internal/model"
)

// notFoundOr maps pgx.ErrNoRows to a typed NotFoundError and passes other
// errors through unchanged.
func notFoundOr(err error, resource, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return &model.NotFoundError{Resource: resource, ID: id}
	}
	return err
}

// transient reports whether err is a Postgres conflict that a fresh attempt
// of the same transaction can succeed past.
func transient(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", // serialization_failure
		"40P01": // deadlock_detected
		return true
	}
	return false
}
