package repository

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/roomchat/internal/chaterr"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// mapErr turns driver errors the callers care about into chaterr kinds and wraps the rest.
func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return chaterr.NotFound("%s: not found", op)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("%s: %w", op, chaterr.ErrDuplicate)
		case pgForeignKeyViolation:
			return chaterr.NotFound("%s: referenced row not found", op)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
