package store

import (
	"strings"

	offerr "github.com/offsync/offsync/internal/errors"
)

const maxIdentifierLen = 100

// ValidateIdentifier checks a table or column name before it is spliced into
// SQL. Names must start with a letter or underscore and contain only letters,
// digits and underscores.
func ValidateIdentifier(name string) error {
	if len(name) == 0 || len(name) > maxIdentifierLen {
		return offerr.NewValidationError(offerr.CodeInvalidIdentifier, "identifier must be 1-100 characters").
			WithDetails(map[string]interface{}{"identifier": name})
	}
	first := name[0]
	if (first < 'a' || first > 'z') && (first < 'A' || first > 'Z') && first != '_' {
		return offerr.NewValidationError(offerr.CodeInvalidIdentifier, "identifier must start with a letter or underscore").
			WithDetails(map[string]interface{}{"identifier": name})
	}
	for i := 1; i < len(name); i++ {
		c := name[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') && c != '_' {
			return offerr.NewValidationError(offerr.CodeInvalidIdentifier, "identifier contains an invalid character").
				WithDetails(map[string]interface{}{"identifier": name})
		}
	}
	return nil
}

// ValidateTableName additionally rejects names that collide with the store's
// bookkeeping tables or SQLite internals.
func ValidateTableName(name string) error {
	if err := ValidateIdentifier(name); err != nil {
		return err
	}
	lower := strings.ToLower(name)
	if strings.HasPrefix(lower, "__") || strings.HasPrefix(lower, "sqlite_") {
		return offerr.NewValidationError(offerr.CodeInvalidIdentifier, "table name uses a reserved prefix").
			WithDetails(map[string]interface{}{"identifier": name})
	}
	return nil
}

// quote returns a validated identifier as a double-quoted SQL name.
func quote(name string) string {
	return `"` + name + `"`
}
