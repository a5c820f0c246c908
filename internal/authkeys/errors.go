package authkeys

import "errors"

var (
	errUnterminatedQuote = errors.New("unterminated quoted option value")
	errNoKeyAfterOptions = errors.New("options list consumed entire line; no key found")
)
