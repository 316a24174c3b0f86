package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/carlbeek/gasdivergence/pkg/classifier"
)

const schema = `
CREATE TABLE IF NOT EXISTS divergences (
  id INTEGER PRIMARY KEY,
  block_number INTEGER NOT NULL,
  tx_index      INTEGER NOT NULL,
  tx_hash       BLOB     NOT NULL,
  timestamp     INTEGER  NOT NULL,
  types         TEXT     NOT NULL,
  normal_gas_used        INTEGER NOT NULL,
  experimental_gas_used  INTEGER NOT NULL,
  gas_multiplier         INTEGER NOT NULL,
  gas_efficiency_ratio   REAL    NOT NULL,
  normal_ops_json        TEXT,
  experimental_ops_json  TEXT,
  location_json          TEXT,
  oog_json               TEXT,
  call_trees_json        TEXT,
  event_logs_json        TEXT
);
CREATE INDEX IF NOT EXISTS idx_block ON divergences(block_number);
CREATE INDEX IF NOT EXISTS idx_types ON divergences(types);

CREATE TABLE IF NOT EXISTS gas_loops (
  contract           BLOB NOT NULL,
  selector           BLOB NOT NULL,
  first_block        INTEGER NOT NULL,
  observed_threshold REAL NOT NULL,
  PRIMARY KEY (contract, selector)
);
`

const insertDivergenceSQL = `
INSERT INTO divergences (
  block_number, tx_index, tx_hash, timestamp, types,
  normal_gas_used, experimental_gas_used, gas_multiplier, gas_efficiency_ratio,
  normal_ops_json, experimental_ops_json, location_json, oog_json,
  call_trees_json, event_logs_json
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

const insertGasLoopSQL = `
INSERT INTO gas_loops (contract, selector, first_block, observed_threshold)
VALUES (?, ?, ?, ?)
ON CONFLICT (contract, selector) DO UPDATE SET
  observed_threshold = MIN(observed_threshold, excluded.observed_threshold)
`

// openDatabase opens (or creates) the single-file store and applies the
// schema. Errors here are fatal by taxonomy and surface at construction.
func openDatabase(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening store %s: %w", path, err)
	}

	// The writer goroutine has exclusive ownership of the handle.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()

		return nil, fmt.Errorf("applying store schema: %w", err)
	}

	return db, nil
}

// insertBatch writes one batch of records in a single transaction.
func insertBatch(ctx context.Context, db *sql.DB, batch []*classifier.Divergence) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning batch: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, insertDivergenceSQL)
	if err != nil {
		tx.Rollback()

		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for _, div := range batch {
		args, err := divergenceArgs(div)
		if err != nil {
			tx.Rollback()

			return err
		}

		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			tx.Rollback()

			return fmt.Errorf("inserting divergence block=%d tx=%d: %w", div.BlockNumber, div.TxIndex, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing batch: %w", err)
	}

	return nil
}

// insertGasLoops upserts advisory gas-loop observations, keeping the
// lowest observed threshold per (contract, selector).
func insertGasLoops(ctx context.Context, db *sql.DB, batch []*classifier.GasLoopObservation) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning gas_loops batch: %w", err)
	}

	for _, obs := range batch {
		if _, err := tx.ExecContext(ctx, insertGasLoopSQL,
			obs.Contract.Bytes(), obs.Selector, obs.FirstBlock, obs.ObservedThreshold,
		); err != nil {
			tx.Rollback()

			return fmt.Errorf("inserting gas loop %s: %w", obs.Contract, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing gas_loops batch: %w", err)
	}

	return nil
}

func divergenceArgs(div *classifier.Divergence) ([]any, error) {
	types, err := json.Marshal(div.Types)
	if err != nil {
		return nil, fmt.Errorf("marshaling types: %w", err)
	}

	normalOps, err := json.Marshal(div.NormalOps)
	if err != nil {
		return nil, fmt.Errorf("marshaling normal ops: %w", err)
	}

	experimentalOps, err := json.Marshal(div.ExperimentalOps)
	if err != nil {
		return nil, fmt.Errorf("marshaling experimental ops: %w", err)
	}

	location, err := marshalOptional(div.Location)
	if err != nil {
		return nil, err
	}

	oog, err := marshalOptional(div.OOG)
	if err != nil {
		return nil, err
	}

	callTrees, err := marshalOptional(div.CallTrees)
	if err != nil {
		return nil, err
	}

	eventLogs, err := marshalOptional(div.EventLogs)
	if err != nil {
		return nil, err
	}

	return []any{
		div.BlockNumber,
		div.TxIndex,
		div.TxHash.Bytes(),
		div.Timestamp.Unix(),
		string(types),
		div.GasAnalysis.NormalGasUsed,
		div.GasAnalysis.ExperimentalGasUsed,
		div.GasAnalysis.GasMultiplier,
		div.GasAnalysis.GasEfficiencyRatio,
		string(normalOps),
		string(experimentalOps),
		location,
		oog,
		callTrees,
		eventLogs,
	}, nil
}

// marshalOptional returns NULL for nil pointers and a JSON string otherwise.
func marshalOptional[T any](v *T) (any, error) {
	if v == nil {
		return nil, nil
	}

	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling optional column: %w", err)
	}

	return string(b), nil
}
