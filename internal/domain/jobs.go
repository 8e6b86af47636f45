package domain

import "context"

// HistoryQueue описывает очередь записей истории, которую разбирает history-worker.
type HistoryQueue interface {
	Enqueue(ctx context.Context, record HistoryRecord) error
	Receive(ctx context.Context) (HistoryRecord, AckFunc, error)
}

// AckFunc подтверждает успешную обработку или запрашивает повтор доставки записи.
type AckFunc func(success bool) error
