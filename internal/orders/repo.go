package orders

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/ariefcatur/unitrade-orders/internal/apperr"
	"github.com/ariefcatur/unitrade-orders/internal/catalog"
	"github.com/ariefcatur/unitrade-orders/internal/payment"
	"github.com/ariefcatur/unitrade-orders/internal/postgres"
)

const orderColumns = `id, user_id, total_fee, payment_type, status, created_at, pay_time, end_time, close_time, updated_at`

type Repo struct{ DB postgres.DB }

func (r *Repo) Exists(ctx context.Context, id int64) (bool, error) {
	var ok bool
	err := r.DB.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1)`, id).Scan(&ok)
	return ok, errors.Wrapf(err, "check order %d", id)
}

// Create writes the order, its details and the durable stock deduction in one
// transaction. A second create of the same id returns ErrDuplicateOrder and
// changes nothing.
func (r *Repo) Create(ctx context.Context, o *Order, details []Detail) error {
	return postgres.WithTx(ctx, r.DB, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO orders(id, user_id, total_fee, payment_type, status)
			VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (id) DO NOTHING
			RETURNING created_at, updated_at`,
			o.ID, o.UserID, o.TotalFee, o.PaymentType, o.Status,
		).Scan(&o.CreatedAt, &o.UpdatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return errors.Wrapf(apperr.ErrDuplicateOrder, "order %d", o.ID)
		}
		if err != nil {
			return errors.Wrap(err, "insert order")
		}

		rows := make([][]any, len(details))
		for i, d := range details {
			rows[i] = []any{o.ID, d.ItemID, d.Num, d.Name, d.Spec, d.Image, d.Price}
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"order_details"},
			[]string{"order_id", "item_id", "num", "name", "spec", "image", "price"},
			pgx.CopyFromRows(rows)); err != nil {
			return errors.Wrap(err, "insert order details")
		}

		return catalog.DeductStock(ctx, tx, linesOf(details))
	})
}

// Get returns nil when the order does not exist.
func (r *Repo) Get(ctx context.Context, id int64) (*Order, error) {
	var o Order
	err := r.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id).Scan(
		&o.ID, &o.UserID, &o.TotalFee, &o.PaymentType, &o.Status,
		&o.CreatedAt, &o.PayTime, &o.EndTime, &o.CloseTime, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get order %d", id)
	}
	return &o, nil
}

func (r *Repo) Details(ctx context.Context, orderID int64) ([]Detail, error) {
	return details(ctx, r.DB, orderID)
}

func details(ctx context.Context, q postgres.DBTX, orderID int64) ([]Detail, error) {
	rows, err := q.Query(ctx, `
		SELECT order_id, item_id, num, name, spec, image, price
		FROM order_details WHERE order_id = $1 ORDER BY item_id`, orderID)
	if err != nil {
		return nil, errors.Wrapf(err, "list details of order %d", orderID)
	}
	defer rows.Close()

	var out []Detail
	for rows.Next() {
		var d Detail
		if err := rows.Scan(&d.OrderID, &d.ItemID, &d.Num, &d.Name, &d.Spec, &d.Image, &d.Price); err != nil {
			return nil, errors.Wrap(err, "scan order detail")
		}
		out = append(out, d)
	}
	return out, errors.Wrap(rows.Err(), "iterate order details")
}

// MarkPaid moves an unpaid order to paid. It reports false when the order
// was not unpaid.
func (r *Repo) MarkPaid(ctx context.Context, id int64, at time.Time) (bool, error) {
	ct, err := r.DB.Exec(ctx, `
		UPDATE orders SET status=$2, pay_time=$3, updated_at=now()
		WHERE id=$1 AND status=$4`,
		id, StatusPaid, at, StatusUnpaid)
	if err != nil {
		return false, errors.Wrapf(err, "mark order %d paid", id)
	}
	return ct.RowsAffected() == 1, nil
}

// Cancel moves an unpaid order to cancelled, closes its pay order and puts
// the durable stock back, all in one transaction. The order row is locked
// before the pay order, in the same order PayWithBalance locks them. A pay
// order that already succeeded wins: the order is left for MarkPaid and
// CancelPaidFirst is reported.
func (r *Repo) Cancel(ctx context.Context, id int64, at time.Time) (CancelResult, error) {
	res := CancelSkipped
	err := postgres.WithTx(ctx, r.DB, func(tx pgx.Tx) error {
		var st Status
		err := tx.QueryRow(ctx, `SELECT status FROM orders WHERE id = $1 FOR UPDATE`, id).Scan(&st)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "lock order %d", id)
		}
		if st != StatusUnpaid {
			return nil
		}

		paid, err := payment.LockSucceeded(ctx, tx, id)
		if err != nil {
			return err
		}
		if paid {
			res = CancelPaidFirst
			return nil
		}

		if _, err := tx.Exec(ctx, `
			UPDATE orders SET status=$2, close_time=$3, end_time=$3, updated_at=now()
			WHERE id=$1`,
			id, StatusCancelled, at); err != nil {
			return errors.Wrapf(err, "cancel order %d", id)
		}
		if err := payment.CloseByBizOrder(ctx, tx, id); err != nil {
			return err
		}
		ds, err := details(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := catalog.RestoreStock(ctx, tx, linesOf(ds)); err != nil {
			return err
		}
		res = CancelDone
		return nil
	})
	if err != nil {
		return CancelSkipped, err
	}
	return res, nil
}
