package catalog

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/ariefcatur/unitrade-orders/internal/apperr"
	"github.com/ariefcatur/unitrade-orders/internal/inventory"
	"github.com/ariefcatur/unitrade-orders/internal/postgres"
)

const itemColumns = `id, seller_id, name, price, stock, image, category, brand, spec, status, created_at, updated_at`

type Repo struct{ DB postgres.DBTX }

func scanItem(row pgx.Row) (*Item, error) {
	var it Item
	err := row.Scan(&it.ID, &it.SellerID, &it.Name, &it.Price, &it.Stock, &it.Image,
		&it.Category, &it.Brand, &it.Spec, &it.Status, &it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &it, nil
}

// Get returns nil when the item does not exist.
func (r *Repo) Get(ctx context.Context, id int64) (*Item, error) {
	it, err := scanItem(r.DB.QueryRow(ctx, `SELECT `+itemColumns+` FROM items WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return it, errors.Wrapf(err, "get item %d", id)
}

func (r *Repo) ListByIDs(ctx context.Context, ids []int64) ([]Item, error) {
	rows, err := r.DB.Query(ctx, `SELECT `+itemColumns+` FROM items WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, errors.Wrap(err, "list items")
	}
	return collectItems(rows)
}

// ListOnSale returns the most recently updated items that are for sale.
func (r *Repo) ListOnSale(ctx context.Context, limit int) ([]Item, error) {
	rows, err := r.DB.Query(ctx, `SELECT `+itemColumns+` FROM items
		WHERE status = $1 ORDER BY updated_at DESC LIMIT $2`, StatusOnSale, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list items on sale")
	}
	return collectItems(rows)
}

func collectItems(rows pgx.Rows) ([]Item, error) {
	defer rows.Close()
	var out []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan item")
		}
		out = append(out, *it)
	}
	return out, errors.Wrap(rows.Err(), "iterate items")
}

func (r *Repo) Insert(ctx context.Context, it *Item) error {
	err := r.DB.QueryRow(ctx, `
		INSERT INTO items(seller_id, name, price, stock, image, category, brand, spec, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING id, created_at, updated_at`,
		it.SellerID, it.Name, it.Price, it.Stock, it.Image, it.Category, it.Brand, it.Spec, it.Status,
	).Scan(&it.ID, &it.CreatedAt, &it.UpdatedAt)
	return errors.Wrap(err, "insert item")
}

// Update rewrites the descriptive fields. Stock is only moved by DeductStock
// and RestoreStock.
func (r *Repo) Update(ctx context.Context, it *Item) error {
	ct, err := r.DB.Exec(ctx, `
		UPDATE items SET name=$2, price=$3, image=$4, category=$5, brand=$6, spec=$7, status=$8, updated_at=now()
		WHERE id=$1`,
		it.ID, it.Name, it.Price, it.Image, it.Category, it.Brand, it.Spec, it.Status)
	if err != nil {
		return errors.Wrapf(err, "update item %d", it.ID)
	}
	if ct.RowsAffected() == 0 {
		return errors.Wrapf(apperr.ErrNotFound, "item %d", it.ID)
	}
	return nil
}

// DeductStock runs one conditional update per line in a single batch. Any
// line that would go negative fails the call with ErrInsufficientStock; run
// it inside a transaction so the earlier lines are rolled back with it.
func DeductStock(ctx context.Context, q postgres.DBTX, lines []inventory.Line) error {
	b := &pgx.Batch{}
	for _, l := range lines {
		b.Queue(`UPDATE items SET stock = stock - $2, updated_at = now() WHERE id = $1 AND stock >= $2`, l.ItemID, l.Qty)
	}
	br := q.SendBatch(ctx, b)
	defer br.Close()

	for _, l := range lines {
		ct, err := br.Exec()
		if err != nil {
			return errors.Wrapf(err, "deduct stock of item %d", l.ItemID)
		}
		if ct.RowsAffected() == 0 {
			return errors.Wrapf(apperr.ErrInsufficientStock, "item %d", l.ItemID)
		}
	}
	return errors.Wrap(br.Close(), "deduct stock")
}

func RestoreStock(ctx context.Context, q postgres.DBTX, lines []inventory.Line) error {
	b := &pgx.Batch{}
	for _, l := range lines {
		b.Queue(`UPDATE items SET stock = stock + $2, updated_at = now() WHERE id = $1`, l.ItemID, l.Qty)
	}
	br := q.SendBatch(ctx, b)
	defer br.Close()

	for _, l := range lines {
		ct, err := br.Exec()
		if err != nil {
			return errors.Wrapf(err, "restore stock of item %d", l.ItemID)
		}
		if ct.RowsAffected() == 0 {
			return errors.Wrapf(apperr.ErrNotFound, "item %d", l.ItemID)
		}
	}
	return errors.Wrap(br.Close(), "restore stock")
}
