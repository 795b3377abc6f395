package access

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/hugh/tenantgate/internal/database/models"
	"github.com/hugh/tenantgate/internal/entitlement"
)

const defaultMemoSize = 10000

type memoKey struct {
	status     models.OrgStatus
	reason     string
	source     entitlement.Source
	snapshotID uuid.UUID
	version    int64
	role       models.MemberRole
}

// Memo caches decisions keyed by everything Resolve reads. A new snapshot
// version is a new key, so entries never go stale; the map is dropped
// wholesale once it grows past its bound.
type Memo struct {
	entries sync.Map
	size    atomic.Int64
	max     int64
}

func NewMemo(max int) *Memo {
	if max <= 0 {
		max = defaultMemoSize
	}
	return &Memo{max: int64(max)}
}

func (m *Memo) Resolve(org Org, ent entitlement.View, role models.MemberRole) Decision {
	key := memoKey{
		status:     org.Status,
		reason:     org.Reason,
		source:     ent.Source,
		snapshotID: ent.SnapshotID,
		version:    ent.Version,
		role:       role,
	}
	if d, ok := m.entries.Load(key); ok {
		return d.(Decision)
	}

	d := Resolve(org, ent, role)
	if _, loaded := m.entries.LoadOrStore(key, d); !loaded {
		if m.size.Add(1) > m.max {
			m.entries.Clear()
			m.size.Store(0)
		}
	}
	return d
}

// Len reports the number of cached decisions.
func (m *Memo) Len() int {
	return int(m.size.Load())
}
