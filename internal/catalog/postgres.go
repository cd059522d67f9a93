package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/felipepmaragno/model-arbiter/internal/domain"
)

// Postgres reads the catalog from the models table. Capabilities are stored
// as JSONB, regions as text[].
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) ListActiveModels(ctx context.Context, filter Filter) ([]domain.ModelCatalogEntry, error) {
	query := `
		SELECT id, provider, cost_per_million_input, cost_per_million_output, context_window,
		       capabilities, intelligence_score, baseline_latency_ms, regions,
		       data_residency, encryption_at_rest
		FROM models
		WHERE active = true
		  AND (cardinality($1::text[]) = 0 OR provider = ANY($1))
		  AND context_window >= $2
		ORDER BY provider, id
	`

	providers := filter.Providers
	if providers == nil {
		providers = []string{}
	}

	rows, err := p.db.QueryContext(ctx, query, pq.Array(providers), filter.MinContextWindow)
	if err != nil {
		return nil, fmt.Errorf("query models: %w", err)
	}
	defer rows.Close()

	var models []domain.ModelCatalogEntry
	for rows.Next() {
		var (
			m            domain.ModelCatalogEntry
			capabilities []byte
			latencyMs    int64
			regions      pq.StringArray
		)
		err := rows.Scan(
			&m.ID,
			&m.Provider,
			&m.CostPerMillionInput,
			&m.CostPerMillionOutput,
			&m.ContextWindow,
			&capabilities,
			&m.IntelligenceScore,
			&latencyMs,
			&regions,
			&m.DataResidency,
			&m.EncryptionAtRest,
		)
		if err != nil {
			return nil, fmt.Errorf("scan model: %w", err)
		}
		if len(capabilities) > 0 {
			if err := json.Unmarshal(capabilities, &m.Capabilities); err != nil {
				return nil, fmt.Errorf("decode capabilities for %s: %w", m.ID, err)
			}
		}
		m.BaselineLatency = time.Duration(latencyMs) * time.Millisecond
		m.Regions = []string(regions)
		m.Active = true

		// Capability filtering happens here; the JSONB column is not indexed.
		if filter.Match(m) {
			models = append(models, m)
		}
	}
	return models, rows.Err()
}

// Upsert writes a catalog entry, replacing any existing row for the same
// provider and model.
func (p *Postgres) Upsert(ctx context.Context, m domain.ModelCatalogEntry) error {
	capabilities, err := json.Marshal(m.Capabilities)
	if err != nil {
		return fmt.Errorf("encode capabilities: %w", err)
	}

	query := `
		INSERT INTO models (id, provider, cost_per_million_input, cost_per_million_output, context_window,
		                    capabilities, intelligence_score, baseline_latency_ms, regions,
		                    data_residency, encryption_at_rest, active, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (provider, id) DO UPDATE SET
			cost_per_million_input = EXCLUDED.cost_per_million_input,
			cost_per_million_output = EXCLUDED.cost_per_million_output,
			context_window = EXCLUDED.context_window,
			capabilities = EXCLUDED.capabilities,
			intelligence_score = EXCLUDED.intelligence_score,
			baseline_latency_ms = EXCLUDED.baseline_latency_ms,
			regions = EXCLUDED.regions,
			data_residency = EXCLUDED.data_residency,
			encryption_at_rest = EXCLUDED.encryption_at_rest,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at
	`

	_, err = p.db.ExecContext(ctx, query,
		m.ID,
		m.Provider,
		m.CostPerMillionInput,
		m.CostPerMillionOutput,
		m.ContextWindow,
		capabilities,
		m.IntelligenceScore,
		m.BaselineLatency.Milliseconds(),
		pq.Array(m.Regions),
		m.DataResidency,
		m.EncryptionAtRest,
		m.Active,
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("upsert model %s: %w", m.ID, err)
	}
	return nil
}
