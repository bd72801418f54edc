package lottery

import "context"

type callKey struct{}

// call marks a context as being inside an operation of m. view is set while
// the winner is being paid.
type call struct {
	m      *Machine
	view   *Snapshot
	parent *call
}

func (m *Machine) enterCall(ctx context.Context, view *Snapshot) context.Context {
	parent, _ := ctx.Value(callKey{}).(*call)
	return context.WithValue(ctx, callKey{}, &call{m: m, view: view, parent: parent})
}

func (m *Machine) reentrant(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	c, _ := ctx.Value(callKey{}).(*call)
	for ; c != nil; c = c.parent {
		if c.m == m {
			return true
		}
	}
	return false
}

// SettlementView returns the round data as recorded by the settlement that
// ctx is running in, i.e. the state a ledger receiver hook sees while the
// winner is being paid: the roster is already empty, the round is open and
// the pool balance is zero.
func SettlementView(ctx context.Context) (Snapshot, bool) {
	c, _ := ctx.Value(callKey{}).(*call)
	for ; c != nil; c = c.parent {
		if c.view != nil {
			return c.view.clone(), true
		}
	}
	return Snapshot{}, false
}
