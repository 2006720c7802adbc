package models

import (
	"errors"
	"fmt"

	mysqlDriver "github.com/go-sql-driver/mysql"
)

const (
	mysqlErrDuplicateEntry = 1062
	mysqlErrLockWait       = 1205
	mysqlErrDeadlock       = 1213
	mysqlErrNoReferenced   = 1452
)

// DescribeWriteError turns store errors into text an operator can act on.
func DescribeWriteError(err error) string {
	if err == nil {
		return ""
	}
	var mysqlErr *mysqlDriver.MySQLError
	if !errors.As(err, &mysqlErr) {
		return err.Error()
	}
	switch mysqlErr.Number {
	case mysqlErrNoReferenced:
		return fmt.Sprintf("referenced planilla or budget code does not exist (mysql %d)", mysqlErr.Number)
	case mysqlErrDuplicateEntry:
		return fmt.Sprintf("duplicate concept (mysql %d)", mysqlErr.Number)
	case mysqlErrDeadlock, mysqlErrLockWait:
		return fmt.Sprintf("planilla is locked by a concurrent batch, retry (mysql %d)", mysqlErr.Number)
	}
	return mysqlErr.Error()
}
