package engine

import "errors"

var (
	ErrNotLiquidatable = errors.New("position not liquidatable")
	ErrInvalidPrice    = errors.New("invalid price")
	ErrTransferFailed  = errors.New("value transfer failed")
	ErrReentrantCall   = errors.New("reentrant engine call")
	ErrNotOwner        = errors.New("caller is not the owner")
)
