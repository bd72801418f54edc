package easyraffle

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/dedis/raffle/ledger"
	"github.com/dedis/raffle/lottery"
	"go.dedis.ch/protobuf"
	"golang.org/x/xerrors"
)

var eventCountKey = []byte("easyraffle/events")

func eventKey(i int) []byte {
	return []byte(fmt.Sprintf("easyraffle/events/%d", i))
}

// eventLog is an append-only list of lottery events stored next to the
// lottery record.
type eventLog struct {
	sync.Mutex
	backend ledger.Backend
	events  []EventRecord
}

func loadEventLog(ctx context.Context, backend ledger.Backend) (*eventLog, error) {
	l := &eventLog{backend: backend}
	err := backend.View(ctx, func(tx ledger.Tx) error {
		buf, err := tx.Get(eventCountKey)
		if err != nil || buf == nil {
			return err
		}
		n := int(binary.LittleEndian.Uint64(buf))
		for i := 0; i < n; i++ {
			buf, err := tx.Get(eventKey(i))
			if err != nil {
				return err
			}
			var ev EventRecord
			if err := protobuf.Decode(buf, &ev); err != nil {
				return xerrors.Errorf("decoding event %d: %v", i, err)
			}
			l.events = append(l.events, ev)
		}
		return nil
	})
	if err != nil {
		return nil, xerrors.Errorf("loading events: %w", err)
	}
	return l, nil
}

func (l *eventLog) append(ctx context.Context, ev lottery.Event) (EventRecord, error) {
	l.Lock()
	defer l.Unlock()
	rec := EventRecord{
		Index:     len(l.events),
		Kind:      ev.Kind.String(),
		Player:    ev.Player.Bytes(),
		RequestID: uint64(ev.RequestID),
		Round:     ev.Round,
		Time:      ev.Time.UnixNano(),
	}
	if ev.Amount != nil {
		rec.Amount = ev.Amount.Bytes()
	}
	buf, err := protobuf.Encode(&rec)
	if err != nil {
		return rec, xerrors.Errorf("encoding event: %v", err)
	}
	count := make([]byte, 8)
	binary.LittleEndian.PutUint64(count, uint64(rec.Index+1))
	err = l.backend.Update(ctx, func(tx ledger.Tx) error {
		if err := tx.Put(eventKey(rec.Index), buf); err != nil {
			return err
		}
		return tx.Put(eventCountKey, count)
	})
	if err != nil {
		return rec, xerrors.Errorf("storing event: %w", err)
	}
	l.events = append(l.events, rec)
	return rec, nil
}

// since returns the events from index from on, and the total count.
func (l *eventLog) since(from int) ([]EventRecord, int) {
	l.Lock()
	defer l.Unlock()
	if from < 0 {
		from = 0
	}
	if from >= len(l.events) {
		return nil, len(l.events)
	}
	return append([]EventRecord(nil), l.events[from:]...), len(l.events)
}
