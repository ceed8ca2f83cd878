package payment

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/ariefcatur/unitrade-orders/internal/apperr"
	"github.com/ariefcatur/unitrade-orders/internal/postgres"
)

const payOrderColumns = `id, biz_order_no, biz_user_id, amount, channel, pay_type, status,
	pay_over_time, pay_success_time, created_at, updated_at`

type Repo struct{ DB postgres.DB }

func scanPayOrder(row pgx.Row) (*PayOrder, error) {
	var po PayOrder
	err := row.Scan(&po.ID, &po.BizOrderNo, &po.BizUserID, &po.Amount, &po.Channel, &po.PayType,
		&po.Status, &po.PayOverTime, &po.PaySuccessTime, &po.CreatedAt, &po.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &po, nil
}

func (r *Repo) Get(ctx context.Context, id int64) (*PayOrder, error) {
	po, err := scanPayOrder(r.DB.QueryRow(ctx, `SELECT `+payOrderColumns+` FROM pay_orders WHERE id = $1`, id))
	return po, errors.Wrapf(err, "get pay order %d", id)
}

func (r *Repo) GetByBizOrder(ctx context.Context, bizOrderNo int64) (*PayOrder, error) {
	po, err := scanPayOrder(r.DB.QueryRow(ctx, `SELECT `+payOrderColumns+` FROM pay_orders WHERE biz_order_no = $1`, bizOrderNo))
	return po, errors.Wrapf(err, "get pay order of order %d", bizOrderNo)
}

// Insert reports false when the order already has a pay order.
func (r *Repo) Insert(ctx context.Context, po *PayOrder) (bool, error) {
	err := r.DB.QueryRow(ctx, `
		INSERT INTO pay_orders(id, biz_order_no, biz_user_id, amount, channel, pay_type, status, pay_over_time)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (biz_order_no) DO NOTHING
		RETURNING created_at, updated_at`,
		po.ID, po.BizOrderNo, po.BizUserID, po.Amount, po.Channel, po.PayType, po.Status, po.PayOverTime,
	).Scan(&po.CreatedAt, &po.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "insert pay order")
	}
	return true, nil
}

// Reset re-applies an open pay order on another channel.
func (r *Repo) Reset(ctx context.Context, po *PayOrder) error {
	ct, err := r.DB.Exec(ctx, `
		UPDATE pay_orders SET channel=$2, pay_type=$3, amount=$4, status=$5, pay_over_time=$6, updated_at=now()
		WHERE id=$1 AND status IN ($7, $8)`,
		po.ID, po.Channel, po.PayType, po.Amount, po.Status, po.PayOverTime,
		StatusNotCommit, StatusWaitBuyerPay)
	if err != nil {
		return errors.Wrapf(err, "reset pay order %d", po.ID)
	}
	if ct.RowsAffected() == 0 {
		return errors.Wrapf(apperr.ErrPaymentChannel, "pay order %d is no longer open", po.ID)
	}
	return nil
}

// OrderUnpaid is the orders.status value of an order still awaiting payment.
const OrderUnpaid = 1

// PayWithBalance debits the buyer's wallet and marks the pay order paid in
// one transaction. The order row is locked first, the same lock a
// cancellation takes, so a payment never lands on a cancelled order. The
// status update only matches open pay orders, so a second attempt fails
// instead of charging twice.
func (r *Repo) PayWithBalance(ctx context.Context, po *PayOrder, at time.Time) error {
	return postgres.WithTx(ctx, r.DB, func(tx pgx.Tx) error {
		var orderStatus int
		err := tx.QueryRow(ctx, `SELECT status FROM orders WHERE id = $1 FOR UPDATE`, po.BizOrderNo).Scan(&orderStatus)
		if errors.Is(err, pgx.ErrNoRows) {
			return errors.Wrapf(apperr.ErrNotFound, "order %d", po.BizOrderNo)
		}
		if err != nil {
			return errors.Wrapf(err, "lock order %d", po.BizOrderNo)
		}
		if orderStatus != OrderUnpaid {
			return errors.Wrapf(apperr.ErrPaymentChannel, "order %d is no longer unpaid", po.BizOrderNo)
		}

		ct, err := tx.Exec(ctx, `UPDATE users SET balance = balance - $2 WHERE id = $1 AND balance >= $2`,
			po.BizUserID, po.Amount)
		if err != nil {
			return errors.Wrap(err, "deduct balance")
		}
		if ct.RowsAffected() == 0 {
			return errors.Wrap(apperr.ErrPaymentChannel, "insufficient balance")
		}

		ct, err = tx.Exec(ctx, `
			UPDATE pay_orders SET status=$2, pay_success_time=$3, updated_at=now()
			WHERE id=$1 AND status IN ($4, $5)`,
			po.ID, StatusTradeSuccess, at, StatusNotCommit, StatusWaitBuyerPay)
		if err != nil {
			return errors.Wrap(err, "mark pay order paid")
		}
		if ct.RowsAffected() == 0 {
			return errors.Wrap(apperr.ErrPaymentChannel, "trade already paid or closed")
		}
		return nil
	})
}

// LockSucceeded locks the pay order of an order inside the caller's
// transaction and reports whether it already succeeded. An order without a
// pay order reports false.
func LockSucceeded(ctx context.Context, q postgres.DBTX, bizOrderNo int64) (bool, error) {
	var st Status
	err := q.QueryRow(ctx, `SELECT status FROM pay_orders WHERE biz_order_no = $1 FOR UPDATE`, bizOrderNo).Scan(&st)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "lock pay order of order %d", bizOrderNo)
	}
	return st == StatusTradeSuccess, nil
}

// CloseByBizOrder closes the open pay order of an order. It takes the
// caller's transaction so it commits together with the cancellation.
func CloseByBizOrder(ctx context.Context, q postgres.DBTX, bizOrderNo int64) error {
	_, err := q.Exec(ctx, `
		UPDATE pay_orders SET status=$2, updated_at=now()
		WHERE biz_order_no=$1 AND status IN ($3, $4)`,
		bizOrderNo, StatusTradeClosed, StatusNotCommit, StatusWaitBuyerPay)
	return errors.Wrapf(err, "close pay order of order %d", bizOrderNo)
}
