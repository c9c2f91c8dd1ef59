package database

import "strings"

var duplicateKeyErrStrings = []string{
	// postgres
	"duplicate key",
	// sqlite
	"UNIQUE constraint failed",
}

// IsDuplicateKeyErr reports a unique index violation.
func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}
	for _, s := range duplicateKeyErrStrings {
		if strings.Contains(err.Error(), s) {
			return true
		}
	}
	return false
}
