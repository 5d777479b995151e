package syncmgr

import "sync"

// recentIDs 记录最近处理过的 syncId，容量满后按先进先出淘汰。
type recentIDs struct {
	mu    sync.Mutex
	set   map[string]struct{}
	order []string
	limit int
}

func newRecentIDs(limit int) *recentIDs {
	if limit <= 0 {
		limit = 2000
	}
	return &recentIDs{set: make(map[string]struct{}, limit), limit: limit}
}

func (r *recentIDs) add(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.set[id]; ok {
		return
	}
	if len(r.order) >= r.limit {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.set, oldest)
	}
	r.set[id] = struct{}{}
	r.order = append(r.order, id)
}

func (r *recentIDs) contains(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.set[id]
	return ok
}
