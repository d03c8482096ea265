//go:build !linux

package legacy

import "context"

func NewUnits(context.Context) (Backend, error) { return nil, ErrUnsupported }
