package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/mtflow/mtflow/internal/domain"
	"github.com/mtflow/mtflow/internal/persistence"
)

const globalConfigColumns = `config_id, htf, itf, ltf,
	buy_zone_pct_htf, buy_zone_pct_itf, buy_zone_pct_ltf,
	confluence_threshold, confluence_multiplier,
	max_position_log_loss, max_portfolio_log_loss, kelly_fraction,
	trailing_activation_pct, trailing_distance_pct,
	velocity_calm_max, velocity_normal_max,
	velocity_calm_scale, velocity_normal_scale, velocity_fast_scale,
	utility_gate_ratio, signal_ttl_minutes,
	created_at, updated_at, deleted_at, version`

const symbolConfigColumns = `symbol_config_id, symbol, user_broker_id,
	confluence_threshold, confluence_multiplier, max_position_log_loss,
	kelly_fraction, trailing_activation_pct, trailing_distance_pct,
	utility_gate_ratio, signal_ttl_minutes,
	created_at, updated_at, deleted_at, version`

type configRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewConfigRepo creates the PostgreSQL strategy configuration repository.
func NewConfigRepo(db *sqlx.DB, timeout time.Duration) persistence.ConfigRepo {
	return &configRepo{db: db, timeout: timeout}
}

// GetGlobal returns the current singleton config, or ErrNotFound before the
// first PutGlobal seeds it.
func (r *configRepo) GetGlobal(ctx context.Context) (*domain.MtfGlobalConfig, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + globalConfigColumns + ` FROM mtf_global_config
		WHERE deleted_at IS NULL`

	out, err := scanGlobalConfig(r.db.QueryRowxContext(ctx, query))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load global config: %w", err)
	}
	return out, nil
}

// PutGlobal soft-deletes the current version (if any) and writes the new one
// as version+1. Staleness cascade for unacted signals is the caller's job.
func (r *configRepo) PutGlobal(ctx context.Context, cfg domain.MtfGlobalConfig) (*domain.MtfGlobalConfig, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	htf, err := mustJSON(cfg.HTF)
	if err != nil {
		return nil, err
	}
	itf, err := mustJSON(cfg.ITF)
	if err != nil {
		return nil, err
	}
	ltf, err := mustJSON(cfg.LTF)
	if err != nil {
		return nil, err
	}

	var out *domain.MtfGlobalConfig
	err = inTx(ctx, r.db, func(tx *sqlx.Tx) error {
		version := 0
		v, err := softDeleteCurrent(ctx, tx, "mtf_global_config", "config_id", cfg.ID)
		switch {
		case err == nil:
			version = v
		case err == domain.ErrNotFound:
			// first write seeds the singleton
		default:
			return err
		}

		query := `
			INSERT INTO mtf_global_config (config_id, htf, itf, ltf,
				buy_zone_pct_htf, buy_zone_pct_itf, buy_zone_pct_ltf,
				confluence_threshold, confluence_multiplier,
				max_position_log_loss, max_portfolio_log_loss, kelly_fraction,
				trailing_activation_pct, trailing_distance_pct,
				velocity_calm_max, velocity_normal_max,
				velocity_calm_scale, velocity_normal_scale, velocity_fast_scale,
				utility_gate_ratio, signal_ttl_minutes,
				created_at, updated_at, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
				$15, $16, $17, $18, $19, $20, $21, NOW(), NOW(), $22)
			RETURNING ` + globalConfigColumns

		out, err = scanGlobalConfig(tx.QueryRowxContext(ctx, query,
			cfg.ID, htf, itf, ltf,
			cfg.BuyZonePctHTF, cfg.BuyZonePctITF, cfg.BuyZonePctLTF,
			cfg.ConfluenceThreshold, cfg.ConfluenceMultiplier,
			cfg.MaxPositionLogLoss, cfg.MaxPortfolioLogLoss, cfg.KellyFraction,
			cfg.TrailingActivationPct, cfg.TrailingDistancePct,
			cfg.VelocityCalmMax, cfg.VelocityNormalMax,
			cfg.VelocityCalmScale, cfg.VelocityNormalScale, cfg.VelocityFastScale,
			cfg.UtilityGateRatio, cfg.SignalTTLMinutes, version+1))
		if err != nil {
			return fmt.Errorf("failed to write global config: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *configRepo) ListSymbolOverrides(ctx context.Context) ([]domain.MtfSymbolConfig, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + symbolConfigColumns + ` FROM mtf_symbol_config
		WHERE deleted_at IS NULL
		ORDER BY symbol ASC, user_broker_id ASC`

	rows, err := r.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list symbol overrides: %w", err)
	}
	defer rows.Close()

	var out []domain.MtfSymbolConfig
	for rows.Next() {
		o, err := scanSymbolConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating override rows: %w", err)
	}
	return out, nil
}

// UpsertSymbolOverride inserts or replaces the override for
// (symbol, user_broker_id), resurrecting a soft-deleted row in place.
func (r *configRepo) UpsertSymbolOverride(ctx context.Context, o domain.MtfSymbolConfig) (*domain.MtfSymbolConfig, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO mtf_symbol_config (symbol_config_id, symbol, user_broker_id,
			confluence_threshold, confluence_multiplier, max_position_log_loss,
			kelly_fraction, trailing_activation_pct, trailing_distance_pct,
			utility_gate_ratio, signal_ttl_minutes,
			created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW(), 1)
		ON CONFLICT (symbol, user_broker_id)
		DO UPDATE SET
			deleted_at = NULL,
			confluence_threshold = EXCLUDED.confluence_threshold,
			confluence_multiplier = EXCLUDED.confluence_multiplier,
			max_position_log_loss = EXCLUDED.max_position_log_loss,
			kelly_fraction = EXCLUDED.kelly_fraction,
			trailing_activation_pct = EXCLUDED.trailing_activation_pct,
			trailing_distance_pct = EXCLUDED.trailing_distance_pct,
			utility_gate_ratio = EXCLUDED.utility_gate_ratio,
			signal_ttl_minutes = EXCLUDED.signal_ttl_minutes,
			updated_at = NOW(),
			version = mtf_symbol_config.version + 1
		RETURNING ` + symbolConfigColumns

	out, err := scanSymbolConfig(r.db.QueryRowxContext(ctx, query,
		o.ID, o.Symbol, o.UserBrokerID,
		toNullDec(o.ConfluenceThreshold), toNullDec(o.ConfluenceMultiplier),
		toNullDec(o.MaxPositionLogLoss), toNullDec(o.KellyFraction),
		toNullDec(o.TrailingActivationPct), toNullDec(o.TrailingDistancePct),
		toNullDec(o.UtilityGateRatio), o.SignalTTLMinutes))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert symbol override: %w", err)
	}
	return out, nil
}

func (r *configRepo) DeleteSymbolOverride(ctx context.Context, symbol, userBrokerID string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE mtf_symbol_config
		SET deleted_at = NOW(), updated_at = NOW()
		WHERE symbol = $1 AND user_broker_id = $2 AND deleted_at IS NULL`

	res, err := r.db.ExecContext(ctx, query, symbol, userBrokerID)
	if err != nil {
		return fmt.Errorf("failed to delete symbol override: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Effective resolves the global singleton overlaid with the matching
// override's non-nil fields.
func (r *configRepo) Effective(ctx context.Context, symbol, userBrokerID string) (*domain.MtfGlobalConfig, error) {
	global, err := r.GetGlobal(ctx)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + symbolConfigColumns + ` FROM mtf_symbol_config
		WHERE symbol = $1 AND user_broker_id = $2 AND deleted_at IS NULL`

	override, err := scanSymbolConfig(r.db.QueryRowxContext(ctx, query, symbol, userBrokerID))
	if err != nil {
		if err == sql.ErrNoRows {
			eff := (*domain.MtfSymbolConfig)(nil).ResolveEffective(*global)
			return &eff, nil
		}
		return nil, fmt.Errorf("failed to load symbol override: %w", err)
	}

	eff := override.ResolveEffective(*global)
	return &eff, nil
}

func scanGlobalConfig(row rowScanner) (*domain.MtfGlobalConfig, error) {
	var cfg domain.MtfGlobalConfig
	var htf, itf, ltf []byte

	err := row.Scan(&cfg.ID, &htf, &itf, &ltf,
		&cfg.BuyZonePctHTF, &cfg.BuyZonePctITF, &cfg.BuyZonePctLTF,
		&cfg.ConfluenceThreshold, &cfg.ConfluenceMultiplier,
		&cfg.MaxPositionLogLoss, &cfg.MaxPortfolioLogLoss, &cfg.KellyFraction,
		&cfg.TrailingActivationPct, &cfg.TrailingDistancePct,
		&cfg.VelocityCalmMax, &cfg.VelocityNormalMax,
		&cfg.VelocityCalmScale, &cfg.VelocityNormalScale, &cfg.VelocityFastScale,
		&cfg.UtilityGateRatio, &cfg.SignalTTLMinutes,
		&cfg.CreatedAt, &cfg.UpdatedAt, &cfg.DeletedAt, &cfg.Version)
	if err != nil {
		return nil, err
	}

	if err := unmarshalInto(htf, &cfg.HTF); err != nil {
		return nil, fmt.Errorf("failed to unmarshal htf params: %w", err)
	}
	if err := unmarshalInto(itf, &cfg.ITF); err != nil {
		return nil, fmt.Errorf("failed to unmarshal itf params: %w", err)
	}
	if err := unmarshalInto(ltf, &cfg.LTF); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ltf params: %w", err)
	}
	return &cfg, nil
}

func scanSymbolConfig(row rowScanner) (*domain.MtfSymbolConfig, error) {
	var o domain.MtfSymbolConfig
	var confThreshold, confMultiplier, maxLogLoss, kelly decimal.NullDecimal
	var trailAct, trailDist, utilRatio decimal.NullDecimal

	err := row.Scan(&o.ID, &o.Symbol, &o.UserBrokerID,
		&confThreshold, &confMultiplier, &maxLogLoss,
		&kelly, &trailAct, &trailDist,
		&utilRatio, &o.SignalTTLMinutes,
		&o.CreatedAt, &o.UpdatedAt, &o.DeletedAt, &o.Version)
	if err != nil {
		return nil, err
	}

	o.ConfluenceThreshold = fromNullDec(confThreshold)
	o.ConfluenceMultiplier = fromNullDec(confMultiplier)
	o.MaxPositionLogLoss = fromNullDec(maxLogLoss)
	o.KellyFraction = fromNullDec(kelly)
	o.TrailingActivationPct = fromNullDec(trailAct)
	o.TrailingDistancePct = fromNullDec(trailDist)
	o.UtilityGateRatio = fromNullDec(utilRatio)
	return &o, nil
}
