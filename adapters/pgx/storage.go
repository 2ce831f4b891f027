package pgx

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/lborres/tether/core"
)

func (a *Adapter) Get(ctx context.Context, key string) ([]byte, error) {
	query := `SELECT value FROM public.tether_storage WHERE key = $1`

	var value []byte
	err := a.pool.QueryRow(ctx, query, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core.ErrKeyNotFound
		}
		return nil, err
	}

	return value, nil
}

func (a *Adapter) Set(ctx context.Context, key string, value []byte) error {
	query := `INSERT INTO public.tether_storage (key, value)
	          VALUES ($1, $2)
	          ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`

	_, err := a.pool.Exec(ctx, query, key, value)
	return err
}

func (a *Adapter) Delete(ctx context.Context, key string) error {
	_, err := a.pool.Exec(ctx, `DELETE FROM public.tether_storage WHERE key = $1`, key)
	return err
}
