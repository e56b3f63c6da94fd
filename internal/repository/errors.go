package repository

import (
	"errors"

	"github.com/go-sql-driver/mysql"
)

var (
	// ErrInsufficientCredits means the conditional debit found less than the
	// requested amount and changed nothing.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrDuplicateCheckIn means a check-in row already exists for the user
	// and UTC day.
	ErrDuplicateCheckIn = errors.New("already checked in today")

	// ErrAlreadyReferred means the referee already has a referral row.
	ErrAlreadyReferred = errors.New("user already referred")
)

// isDuplicateKey reports MySQL error 1062 (duplicate entry for a unique key).
func isDuplicateKey(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}
