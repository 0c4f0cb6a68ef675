package storage

import (
	"encoding/json"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/callmarket/pkg/app/core/order"
	"github.com/uhyunpark/callmarket/pkg/app/core/orderbook"
	"github.com/uhyunpark/callmarket/pkg/util"
)

// RoundRecord is the journaled summary of one instrument's crossed round.
type RoundRecord struct {
	Round          uint64              `json:"round"`
	Symbol         string              `json:"symbol"`
	ClearingPrice  decimal.Decimal     `json:"clearing_price"`
	Tradable       int64               `json:"tradable"`
	Volume         int64               `json:"volume"`
	Fills          int                 `json:"fills"`
	Failures       []orderbook.Failure `json:"failures,omitempty"`
	DirectoryError string              `json:"directory_error,omitempty"`
	RecordedAt     time.Time           `json:"recorded_at"`
}

// Journal is an append-only audit trail of executions backed by Pebble.
type Journal struct {
	db    *pebble.DB
	clock util.Clock
	log   *zap.Logger
}

// OpenJournal opens (or creates) a journal in dir. An empty dir keeps the
// journal in memory.
func OpenJournal(dir string, clock util.Clock, log *zap.Logger) (*Journal, error) {
	opts := &pebble.Options{}
	path := dir
	if path == "" {
		opts.FS = vfs.NewMem()
		path = "journal"
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "open journal %q", dir)
	}
	if clock == nil {
		clock = util.SystemClock()
	}
	return &Journal{db: db, clock: clock, log: util.OrNop(log)}, nil
}

func (j *Journal) Close() error { return j.db.Close() }

// RecordResult writes a round summary and its fills in one batch.
func (j *Journal) RecordResult(res orderbook.Result) error {
	rec := RoundRecord{
		Round:         res.Round,
		Symbol:        res.Symbol,
		ClearingPrice: res.ClearingPrice,
		Tradable:      res.Tradable,
		Volume:        res.Volume,
		Fills:         len(res.Fills),
		Failures:      res.Failures,
		RecordedAt:    j.clock.Now(),
	}
	if res.DirectoryErr != nil {
		rec.DirectoryError = res.DirectoryErr.Error()
	}

	batch := j.db.NewBatch()
	defer batch.Close()

	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "marshal round record")
	}
	if err := batch.Set(roundKey(res.Round, res.Symbol), data, nil); err != nil {
		return err
	}
	for _, f := range res.Fills {
		data, err := json.Marshal(f)
		if err != nil {
			return errors.Wrap(err, "marshal fill")
		}
		if err := batch.Set(fillKey(f.Symbol, f.Round, f.OrderID), data, nil); err != nil {
			return err
		}
		if err := batch.Set(accountFillKey(f.Owner, f.Round, f.OrderID), data, nil); err != nil {
			return err
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return errors.Wrap(err, "commit journal batch")
	}

	j.log.Debug("journal_recorded",
		zap.Uint64("round", res.Round),
		zap.String("symbol", res.Symbol),
		zap.Int("fills", len(res.Fills)))
	return nil
}

// RecentRounds returns up to limit round records, newest first.
func (j *Journal) RecentRounds(limit int) ([]RoundRecord, error) {
	var out []RoundRecord
	err := j.scanReverse([]byte(prefixRound), limit, func(v []byte) error {
		var rec RoundRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

// RecentFills returns up to limit fills for symbol, newest round first.
func (j *Journal) RecentFills(symbol string, limit int) ([]order.Fill, error) {
	return j.fills(fillPrefix(symbol), limit)
}

// AccountFills returns up to limit fills settled for owner, newest round first.
func (j *Journal) AccountFills(owner string, limit int) ([]order.Fill, error) {
	return j.fills(accountFillPrefix(owner), limit)
}

func (j *Journal) fills(prefix []byte, limit int) ([]order.Fill, error) {
	var out []order.Fill
	err := j.scanReverse(prefix, limit, func(v []byte) error {
		var f order.Fill
		if err := json.Unmarshal(v, &f); err != nil {
			return err
		}
		out = append(out, f)
		return nil
	})
	return out, err
}

func (j *Journal) scanReverse(prefix []byte, limit int, fn func(v []byte) error) error {
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	n := 0
	for iter.Last(); iter.Valid() && (limit <= 0 || n < limit); iter.Prev() {
		if err := fn(iter.Value()); err != nil {
			return errors.Wrapf(err, "decode %s", iter.Key())
		}
		n++
	}
	return iter.Error()
}
