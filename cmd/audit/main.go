// Compliance review tool over the query audit log. Prints per-account
// privacy spend, rejection rates, and patterns that merit a closer look
// (repeated query shapes, stale reservations).
package main

import (
	"fmt"
	"log"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"tavren/pkg/config"
)

func main() {
	cfg := config.Load()

	fmt.Println("Tavren privacy audit")
	fmt.Println("====================")

	db, err := sqlx.Connect("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("DB connection failed: %v", err)
	}
	defer db.Close()

	checkSpend(db)
	checkRejections(db)
	checkRepeatedShapes(db)
	checkStaleReservations(db)

	fmt.Println("\nAudit complete.")
}

type spendRow struct {
	Principal  string  `db:"principal_id"`
	DatasetKey string  `db:"dataset_key"`
	Consumed   float64 `db:"consumed"`
	Allocated  float64 `db:"allocated"`
	State      string  `db:"state"`
}

// checkSpend cross-checks ledger balances against the sum of served audit
// entries for the current period.
func checkSpend(db *sqlx.DB) {
	fmt.Println("\n-- Budget spend vs audit trail --")

	var rows []spendRow
	err := db.Select(&rows, `
		SELECT a.principal_id, a.dataset_key, a.state,
		       a.consumed_epsilon::float8 AS consumed,
		       a.allocated_epsilon::float8 AS allocated
		FROM budget_accounts a
		ORDER BY a.consumed_epsilon DESC
		LIMIT 20
	`)
	if err != nil {
		log.Fatalf("spend query failed: %v", err)
	}

	for _, r := range rows {
		flag := ""
		if r.Consumed > r.Allocated {
			flag = "  <-- OVERSPEND"
		}
		fmt.Printf("%s / %-24s %-10s consumed %.4f of %.4f%s\n",
			r.Principal[:8], r.DatasetKey, r.State, r.Consumed, r.Allocated, flag)

		var served float64
		err := db.Get(&served, `
			SELECT COALESCE(SUM(l.epsilon_charged::float8), 0)
			FROM query_audit_log l
			JOIN budget_accounts a
			  ON a.principal_id = l.principal_id AND a.dataset_key = l.dataset_key
			WHERE l.principal_id = $1 AND l.dataset_key = $2
			  AND l.outcome = 'served' AND l.created_at >= a.period_start
		`, r.Principal, r.DatasetKey)
		if err == nil && served > r.Consumed+1e-9 {
			fmt.Printf("  WARNING: audit trail shows %.4f served but ledger has %.4f consumed\n", served, r.Consumed)
		}
	}

	if len(rows) == 0 {
		fmt.Println("no budget accounts")
	}
}

func checkRejections(db *sqlx.DB) {
	fmt.Println("\n-- Rejection rates (last 7 days) --")

	var rows []struct {
		Principal string `db:"principal_id"`
		Reason    string `db:"reason"`
		Count     int    `db:"count"`
	}
	err := db.Select(&rows, `
		SELECT principal_id, reason, COUNT(*) AS count
		FROM query_audit_log
		WHERE outcome = 'rejected' AND created_at > NOW() - INTERVAL '7 days'
		GROUP BY principal_id, reason
		ORDER BY count DESC
		LIMIT 20
	`)
	if err != nil {
		log.Fatalf("rejection query failed: %v", err)
	}

	for _, r := range rows {
		fmt.Printf("%s  %-28s x%d\n", r.Principal[:8], r.Reason, r.Count)
	}
	if len(rows) == 0 {
		fmt.Println("no rejections")
	}
}

// checkRepeatedShapes surfaces principals re-running the same query shape
// against the same dataset, the precursor to an averaging attack.
func checkRepeatedShapes(db *sqlx.DB) {
	fmt.Println("\n-- Repeated query shapes (last 7 days) --")

	var rows []struct {
		Principal string `db:"principal_id"`
		Dataset   string `db:"dataset_key"`
		Statistic string `db:"statistic_kind"`
		Filters   string `db:"filters"`
		Count     int    `db:"count"`
	}
	err := db.Select(&rows, `
		SELECT principal_id, dataset_key, statistic_kind, filters::text AS filters, COUNT(*) AS count
		FROM query_audit_log
		WHERE outcome = 'served' AND created_at > NOW() - INTERVAL '7 days'
		GROUP BY principal_id, dataset_key, statistic_kind, filters::text
		HAVING COUNT(*) >= 5
		ORDER BY count DESC
		LIMIT 20
	`)
	if err != nil {
		log.Fatalf("shape query failed: %v", err)
	}

	for _, r := range rows {
		fmt.Printf("%s  %s %s filters=%s x%d\n",
			r.Principal[:8], r.Dataset, r.Statistic, r.Filters, r.Count)
	}
	if len(rows) == 0 {
		fmt.Println("no suspicious repetition")
	}
}

func checkStaleReservations(db *sqlx.DB) {
	fmt.Println("\n-- Stale pending reservations --")

	var count int
	err := db.Get(&count, `
		SELECT COUNT(*) FROM budget_reservations
		WHERE state = 'pending' AND expires_at < NOW()
	`)
	if err != nil {
		log.Fatalf("reservation query failed: %v", err)
	}

	if count > 0 {
		fmt.Printf("WARNING: %d expired reservations still pending (is the sweeper running?)\n", count)
	} else {
		fmt.Println("none")
	}
}
