package db

import "errors"

var (
	ErrCellNotFound   = errors.New("cell not found")
	ErrUnknownImport  = errors.New("unknown import")
	ErrImportFinished = errors.New("import already finished")
)
