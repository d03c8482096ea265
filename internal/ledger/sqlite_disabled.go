//go:build !sqlite

package ledger

import (
	"errors"

	logx "herald/pkg/logx"
)

func openSQLite(cfg Config, log logx.Logger) (Ledger, error) {
	_ = cfg
	_ = log
	return nil, errors.New("sqlite ledger not built: build with -tags sqlite")
}
