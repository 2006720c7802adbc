package models

import "errors"

var (
	ErrPlanillaNotFound = errors.New("planilla not found")
	ErrFormNotFound     = errors.New("form code not found")
)
