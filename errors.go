// Common sklad error definitions.
package sklad

import "errors"

var (
	ErrClosed          = errors.New("sklad: no store open")
	ErrBadKey          = errors.New("sklad: bad document key")
	ErrDocumentUnknown = errors.New("sklad: unknown document")

	ErrBadDefinition = errors.New("sklad: bad index definition")
	ErrIndexUnknown  = errors.New("sklad: unknown index")
	ErrIndexExists   = errors.New("sklad: index already exists")
)
