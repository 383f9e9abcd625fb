package services

import (
	"gorm.io/gorm"

	"github.com/circlelink/linkage-core/internal/config"
)

// Options tunes the services built by New.
type Options struct {
	Retry             RetryPolicy
	MaxDraws          int
	ReassignBatchSize int
}

// OptionsFrom maps the tuning sections of the configuration. The server and
// linkctl both build their services this way.
func OptionsFrom(tx config.TxConfig, lk config.LinkageConfig) Options {
	return Options{
		Retry:             RetryPolicy{MaxAttempts: tx.MaxAttempts, InitialBackoff: tx.InitialBackoff},
		MaxDraws:          lk.HashIDMaxDraws,
		ReassignBatchSize: lk.ReassignBatchSize,
	}
}

// Core bundles the services sharing one database handle.
type Core struct {
	Registry *Registry
	Vouchers *VoucherEngine
	Ledger   *Ledger
	Linkage  *Linkage
	Queries  *Queries
}

// New wires every service over db.
func New(db *gorm.DB, opt Options) *Core {
	reg := &Registry{DB: db, MaxDraws: opt.MaxDraws}
	vouchers := &VoucherEngine{DB: db}
	return &Core{
		Registry: reg,
		Vouchers: vouchers,
		Ledger:   &Ledger{DB: db, Registry: reg, Vouchers: vouchers, Retry: opt.Retry},
		Linkage: &Linkage{
			DB: db, Registry: reg, Vouchers: vouchers,
			Retry: opt.Retry, ReassignBatchSize: opt.ReassignBatchSize,
		},
		Queries: &Queries{DB: db, Registry: reg},
	}
}
