package services

import "github.com/prometheus/client_golang/prometheus"

var (
	// ledgerWrites counts committed status writes by dimension and target value.
	ledgerWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_status_writes_total",
			Help: "Committed status ledger writes.",
		},
		[]string{"dimension", "to"},
	)

	// txRetries counts transaction attempts that hit transient contention.
	txRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tx_retries_total",
			Help: "Transaction attempts retried after transient storage contention.",
		},
		[]string{"op"},
	)

	// voucherRedemptions counts voucher redemptions by outcome.
	voucherRedemptions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voucher_redemptions_total",
			Help: "Voucher redemption attempts by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(ledgerWrites, txRetries, voucherRedemptions)
}
