package repository

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"net"

	"pwh-registry/internal/domain"

	"github.com/lib/pq"
)

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
	patientsNIKKey      = "patients_nik_key"
)

// wrapErr maps driver errors into the domain taxonomy.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == uniqueViolation && pqErr.Constraint == patientsNIKKey:
			return &domain.ValidationError{Field: "nik", Reason: "national id already belongs to another patient"}
		case pqErr.Code == foreignKeyViolation:
			return &domain.PersistenceError{Op: op, Err: err}
		}
	}
	return &domain.PersistenceError{Op: op, Connectivity: isConnectivity(err), Err: err}
}

// isConnectivity reports failures after which the connection cannot be trusted.
func isConnectivity(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if pqErr.Code.Class() == "08" {
			return true
		}
		switch pqErr.Code {
		case "57P01", "57P02", "57P03":
			return true
		}
	}
	return false
}
