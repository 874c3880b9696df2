package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/cashback-engine/internal/model"
)

const selectConfigSQL = `SELECT store_id, is_active, global_percentage::text, rules,
	category_settings, product_settings, created_at, updated_at
	FROM cashback_configs
	WHERE store_id = $1`

// GetOrCreateConfig возвращает конфигурацию магазина, атомарно создавая def, если её ещё нет.
func (r *PostgresRepository) GetOrCreateConfig(ctx context.Context, def model.Config) (*model.Config, error) {
	if err := insertConfigIfAbsent(ctx, r.pool, def); err != nil {
		return nil, err
	}
	return scanConfig(r.pool.QueryRow(ctx, selectConfigSQL, def.StoreID))
}

// UpdateConfig применяет update к конфигурации магазина под блокировкой строки.
// Если конфигурации нет, сначала создаётся def, поэтому первое обновление тоже сохраняется.
func (r *PostgresRepository) UpdateConfig(
	ctx context.Context,
	def model.Config,
	update func(current model.Config) (model.Config, error),
) (*model.Config, error) {
	var saved *model.Config

	err := r.inTx(ctx, func(tx pgx.Tx) error {
		if err := insertConfigIfAbsent(ctx, tx, def); err != nil {
			return err
		}

		current, err := scanConfig(tx.QueryRow(ctx, selectConfigSQL+` FOR UPDATE`, def.StoreID))
		if err != nil {
			return err
		}

		next, err := update(*current)
		if err != nil {
			return err
		}

		rules, categories, products, err := marshalConfigParts(next)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx,
			`UPDATE cashback_configs
			 SET is_active = $2,
			     global_percentage = $3::text::numeric,
			     rules = $4,
			     category_settings = $5,
			     product_settings = $6,
			     updated_at = $7
			 WHERE store_id = $1`,
			def.StoreID, next.IsActive, next.GlobalPercentage.String(),
			rules, categories, products, next.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("update config: %w", err)
		}

		next.StoreID = current.StoreID
		next.CreatedAt = current.CreatedAt
		saved = &next
		return nil
	})
	if err != nil {
		return nil, err
	}

	return saved, nil
}

func insertConfigIfAbsent(ctx context.Context, q querier, def model.Config) error {
	rules, categories, products, err := marshalConfigParts(def)
	if err != nil {
		return err
	}

	_, err = q.Exec(ctx,
		`INSERT INTO cashback_configs
		 (store_id, is_active, global_percentage, rules, category_settings, product_settings, created_at, updated_at)
		 VALUES ($1, $2, $3::text::numeric, $4, $5, $6, $7, $7)
		 ON CONFLICT (store_id) DO NOTHING`,
		def.StoreID, def.IsActive, def.GlobalPercentage.String(), rules, categories, products, def.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert default config: %w", err)
	}
	return nil
}

func marshalConfigParts(cfg model.Config) (rules, categories, products []byte, err error) {
	rules, err = json.Marshal(cfg.Rules)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal rules: %w", err)
	}

	cs := cfg.CategorySettings
	if cs == nil {
		cs = []model.CategorySetting{}
	}
	categories, err = json.Marshal(cs)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal category settings: %w", err)
	}

	ps := cfg.ProductSettings
	if ps == nil {
		ps = []model.ProductSetting{}
	}
	products, err = json.Marshal(ps)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal product settings: %w", err)
	}

	return rules, categories, products, nil
}

func scanConfig(row pgx.Row) (*model.Config, error) {
	var (
		cfg        model.Config
		percentage string
		rules      []byte
		categories []byte
		products   []byte
		createdAt  time.Time
		updatedAt  time.Time
	)

	err := row.Scan(&cfg.StoreID, &cfg.IsActive, &percentage, &rules, &categories, &products, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("config vanished after insert: %w", err)
		}
		return nil, fmt.Errorf("get config: %w", err)
	}

	if cfg.GlobalPercentage, err = parseDecimal(percentage); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(rules, &cfg.Rules); err != nil {
		return nil, fmt.Errorf("unmarshal rules: %w", err)
	}
	if err := json.Unmarshal(categories, &cfg.CategorySettings); err != nil {
		return nil, fmt.Errorf("unmarshal category settings: %w", err)
	}
	if err := json.Unmarshal(products, &cfg.ProductSettings); err != nil {
		return nil, fmt.Errorf("unmarshal product settings: %w", err)
	}

	cfg.CreatedAt = createdAt
	cfg.UpdatedAt = updatedAt
	return &cfg, nil
}
