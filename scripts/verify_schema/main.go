package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"strings"

	_ "modernc.org/sqlite"
)

// verify_schema checks that a trade journal has every table and migrated
// column the trader expects. Pass the DB path as the first argument or set
// DB_PATH.

var expected = map[string][]string{
	"trades":                {"id", "side", "entry_price", "exit_price", "pnl", "exit_reason", "trading_mode"},
	"open_positions":        {"id", "side", "stop_loss", "take_profit", "trading_mode", "high_water", "low_water"},
	"risk_state":            {"state", "consecutive_losses", "peak_equity"},
	"performance_snapshots": {"taken_at", "equity", "risk_state"},
}

func main() {
	dbPath := os.Getenv("DB_PATH")
	if len(os.Args) > 1 {
		dbPath = os.Args[1]
	}
	if dbPath == "" {
		dbPath = "data/trades.db"
	}
	fmt.Printf("Verifying database at: %s\n", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		log.Fatalf("Failed to open DB: %v", err)
	}
	defer db.Close()

	missing := 0
	for _, table := range []string{"trades", "open_positions", "risk_state", "performance_snapshots"} {
		fmt.Printf("\nVerifying %s table...\n", table)
		var sqlSchema string
		err := db.QueryRow("SELECT sql FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&sqlSchema)
		if err == sql.ErrNoRows {
			fmt.Printf("❌ %s table MISSING\n", table)
			missing++
			continue
		}
		if err != nil {
			log.Fatalf("Query failed: %v", err)
		}
		fmt.Printf("✓ %s table exists\n", table)

		cols, err := columns(db, table)
		if err != nil {
			log.Fatalf("Query failed: %v", err)
		}
		for _, col := range expected[table] {
			if cols[col] {
				fmt.Printf("  ✓ %s\n", col)
			} else {
				fmt.Printf("  ❌ %s column MISSING\n", col)
				missing++
			}
		}
	}

	if missing > 0 {
		fmt.Printf("\n%d problem(s) found\n", missing)
		os.Exit(1)
	}
	fmt.Println("\nSchema OK")
}

func columns(db *sql.DB, table string) (map[string]bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		out[strings.ToLower(name)] = true
	}
	return out, rows.Err()
}
