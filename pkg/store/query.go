package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/0xsequence/ethkit/go-ethereum/common"

	"github.com/carlbeek/gasdivergence/pkg/classifier"
)

// StoredRecord is one persisted divergence row, as read back for
// downstream analysis.
type StoredRecord struct {
	ID                  int64
	BlockNumber         uint64
	TxIndex             uint32
	TxHash              common.Hash
	Timestamp           int64
	Types               []classifier.DivergenceType
	NormalGasUsed       uint64
	ExperimentalGasUsed uint64
	GasMultiplier       uint64
	GasEfficiencyRatio  float64
}

// QueryBlockRange returns persisted records for block numbers in
// [from, to], ordered by block number and transaction index.
func (s *Store) QueryBlockRange(ctx context.Context, from, to uint64) ([]StoredRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, block_number, tx_index, tx_hash, timestamp, types,
		       normal_gas_used, experimental_gas_used, gas_multiplier, gas_efficiency_ratio
		FROM divergences
		WHERE block_number BETWEEN ? AND ?
		ORDER BY block_number, tx_index`, from, to)
	if err != nil {
		return nil, fmt.Errorf("querying divergences: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// QueryByType returns persisted records whose types column contains t.
// The column stores a sorted JSON array, so a LIKE match on the quoted
// name is well-defined.
func (s *Store) QueryByType(ctx context.Context, t classifier.DivergenceType) ([]StoredRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, block_number, tx_index, tx_hash, timestamp, types,
		       normal_gas_used, experimental_gas_used, gas_multiplier, gas_efficiency_ratio
		FROM divergences
		WHERE types LIKE ?
		ORDER BY block_number, tx_index`, `%"`+string(t)+`"%`)
	if err != nil {
		return nil, fmt.Errorf("querying divergences by type: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]StoredRecord, error) {
	records := make([]StoredRecord, 0, 64)

	for rows.Next() {
		var (
			rec       StoredRecord
			hashBytes []byte
			typesJSON string
		)

		if err := rows.Scan(
			&rec.ID, &rec.BlockNumber, &rec.TxIndex, &hashBytes, &rec.Timestamp, &typesJSON,
			&rec.NormalGasUsed, &rec.ExperimentalGasUsed, &rec.GasMultiplier, &rec.GasEfficiencyRatio,
		); err != nil {
			return nil, fmt.Errorf("scanning divergence row: %w", err)
		}

		rec.TxHash = common.BytesToHash(hashBytes)

		if err := json.Unmarshal([]byte(typesJSON), &rec.Types); err != nil {
			return nil, fmt.Errorf("decoding types column: %w", err)
		}

		records = append(records, rec)
	}

	return records, rows.Err()
}
