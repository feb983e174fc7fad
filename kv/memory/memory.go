// Package memory implements kv.Adapter with an in-process, mutex-guarded
// map. It is the single-node / test backend: no durability across
// restarts, matching the in-memory-best-effort posture the specification
// allows for components that don't require cluster-wide coordination.
package memory

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nevindra/relay/kv"
)

type entry struct {
	value   string
	expires time.Time // zero = no TTL
}

// Adapter is an in-memory kv.Adapter. Zero value is not usable; use New.
type Adapter struct {
	mu      sync.Mutex
	values  map[string]entry
	sets    map[string]map[string]struct{}
	zsets   map[string]map[string]float64
	hashes  map[string]map[string]string
	hlls    map[string]map[string]struct{} // exact backing for PF* ops
	nowFunc func() time.Time
}

// New returns an empty in-memory adapter.
func New() *Adapter {
	return &Adapter{
		values:  make(map[string]entry),
		sets:    make(map[string]map[string]struct{}),
		zsets:   make(map[string]map[string]float64),
		hashes:  make(map[string]map[string]string),
		hlls:    make(map[string]map[string]struct{}),
		nowFunc: time.Now,
	}
}

var _ kv.Adapter = (*Adapter)(nil)

func (a *Adapter) now() time.Time { return a.nowFunc() }

// expireLocked evicts key if its TTL has passed. Caller holds a.mu.
func (a *Adapter) expireLocked(key string) {
	e, ok := a.values[key]
	if ok && !e.expires.IsZero() && a.now().After(e.expires) {
		delete(a.values, key)
	}
}

func (a *Adapter) Get(_ context.Context, key string) (string, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.expireLocked(key)
	e, ok := a.values[key]
	return e.value, ok, nil
}

func (a *Adapter) Set(_ context.Context, key, value string, ttl time.Duration) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	e := entry{value: value}
	if ttl > 0 {
		e.expires = a.now().Add(ttl)
	}
	a.values[key] = e
	return nil
}

func (a *Adapter) Delete(_ context.Context, key string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.values, key)
	return nil
}

func (a *Adapter) Exists(_ context.Context, key string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.expireLocked(key)
	_, ok := a.values[key]
	return ok, nil
}

func (a *Adapter) IncrByFloat(_ context.Context, key string, delta float64) (float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.expireLocked(key)
	e := a.values[key]
	cur, _ := strconv.ParseFloat(e.value, 64)
	cur += delta
	e.value = strconv.FormatFloat(cur, 'f', -1, 64)
	a.values[key] = e
	return cur, nil
}

func (a *Adapter) Expire(_ context.Context, key string, ttl time.Duration, nx bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.values[key]
	if !ok {
		return nil
	}
	if nx && !e.expires.IsZero() {
		return nil
	}
	e.expires = a.now().Add(ttl)
	a.values[key] = e
	return nil
}

func (a *Adapter) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.expireLocked(key)
	if _, ok := a.values[key]; ok {
		return false, nil
	}
	e := entry{value: value}
	if ttl > 0 {
		e.expires = a.now().Add(ttl)
	}
	a.values[key] = e
	return true, nil
}

func (a *Adapter) Scan(_ context.Context, cursor uint64, pattern string, count int) (uint64, []string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var all []string
	for k := range a.values {
		a.expireLocked(k)
		if _, ok := a.values[k]; ok && globMatch(pattern, k) {
			all = append(all, k)
		}
	}
	sort.Strings(all)

	start := int(cursor)
	if start >= len(all) {
		return 0, nil, nil
	}
	end := start + count
	if count <= 0 || end > len(all) {
		end = len(all)
	}
	next := uint64(end)
	if end >= len(all) {
		next = 0
	}
	return next, all[start:end], nil
}

func globMatch(pattern, s string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return pattern == s
	}
	parts := strings.Split(pattern, "*")
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	for _, p := range parts[1:] {
		if p == "" {
			continue
		}
		idx := strings.Index(s, p)
		if idx < 0 {
			return false
		}
		s = s[idx+len(p):]
	}
	return true
}

// WatchCommit reads the watched keys under the lock, runs fn, and applies
// the returned ops under the same critical section. Because this adapter
// is single-process and every access takes the same mutex, there is never
// a concurrent writer to race against between read and commit, so fn is
// invoked exactly once and never needs a retry. kv.Adapter's contract
// (retry-on-conflict) is satisfied trivially by this linearizability.
func (a *Adapter) WatchCommit(ctx context.Context, watch []string, fn kv.TxFunc) ([]kv.Op, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	snapshot := make(map[string]string, len(watch))
	for _, k := range watch {
		a.expireLocked(k)
		if e, ok := a.values[k]; ok {
			snapshot[k] = e.value
		}
	}

	ops, err := fn(ctx, snapshot)
	if err != nil {
		if errors.Is(err, kv.ErrAbort) {
			return nil, nil
		}
		return nil, err
	}

	for _, op := range ops {
		switch op.Kind {
		case kv.OpSet:
			a.values[op.Key] = entry{value: op.Value, expires: ttlToExpiry(a.now(), op.TTL)}
		case kv.OpIncrByFloat:
			e := a.values[op.Key]
			cur, _ := strconv.ParseFloat(e.value, 64)
			delta, _ := strconv.ParseFloat(op.Value, 64)
			e.value = strconv.FormatFloat(cur+delta, 'f', -1, 64)
			a.values[op.Key] = e
		case kv.OpExpireNX:
			e, ok := a.values[op.Key]
			if ok && e.expires.IsZero() {
				e.expires = a.now().Add(op.TTL)
				a.values[op.Key] = e
			}
		case kv.OpDelete:
			delete(a.values, op.Key)
		}
	}
	return ops, nil
}

func ttlToExpiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func (a *Adapter) SAdd(_ context.Context, key string, members ...string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sets[key]
	if !ok {
		s = make(map[string]struct{})
		a.sets[key] = s
	}
	for _, m := range members {
		s[m] = struct{}{}
	}
	return nil
}

func (a *Adapter) SMembers(_ context.Context, key string) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for m := range a.sets[key] {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

func (a *Adapter) ZAdd(_ context.Context, key string, score float64, member string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	z, ok := a.zsets[key]
	if !ok {
		z = make(map[string]float64)
		a.zsets[key] = z
	}
	z[member] = score
	return nil
}

func (a *Adapter) zRangeLocked(key string) []kv.ScoredMember {
	var out []kv.ScoredMember
	for m, s := range a.zsets[key] {
		out = append(out, kv.ScoredMember{Member: m, Score: s})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score < out[j].Score })
	return out
}

func (a *Adapter) ZRangeByScore(_ context.Context, key string, min, max float64) ([]kv.ScoredMember, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []kv.ScoredMember
	for _, sm := range a.zRangeLocked(key) {
		if sm.Score >= min && sm.Score <= max {
			out = append(out, sm)
		}
	}
	return out, nil
}

func (a *Adapter) ZRevRange(_ context.Context, key string, count int) ([]kv.ScoredMember, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	all := a.zRangeLocked(key)
	sort.Slice(all, func(i, j int) bool { return all[i].Score > all[j].Score })
	if count > 0 && count < len(all) {
		all = all[:count]
	}
	return all, nil
}

func (a *Adapter) ZRemRangeByScore(_ context.Context, key string, min, max float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	z := a.zsets[key]
	for m, s := range z {
		if s >= min && s <= max {
			delete(z, m)
		}
	}
	return nil
}

func (a *Adapter) ZCard(_ context.Context, key string) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int64(len(a.zsets[key])), nil
}

func (a *Adapter) HSet(_ context.Context, key, field, value string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	h, ok := a.hashes[key]
	if !ok {
		h = make(map[string]string)
		a.hashes[key] = h
	}
	h[field] = value
	return nil
}

func (a *Adapter) HGet(_ context.Context, key, field string) (string, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.hashes[key][field]
	return v, ok, nil
}

func (a *Adapter) HGetAll(_ context.Context, key string) (map[string]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]string, len(a.hashes[key]))
	for k, v := range a.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (a *Adapter) HIncrBy(_ context.Context, key, field string, delta int64) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	h, ok := a.hashes[key]
	if !ok {
		h = make(map[string]string)
		a.hashes[key] = h
	}
	cur, _ := strconv.ParseInt(h[field], 10, 64)
	cur += delta
	h[field] = strconv.FormatInt(cur, 10)
	return cur, nil
}

func (a *Adapter) HIncrByFloat(_ context.Context, key, field string, delta float64) (float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	h, ok := a.hashes[key]
	if !ok {
		h = make(map[string]string)
		a.hashes[key] = h
	}
	cur, _ := strconv.ParseFloat(h[field], 64)
	cur += delta
	h[field] = strconv.FormatFloat(cur, 'f', -1, 64)
	return cur, nil
}

func (a *Adapter) PFAdd(_ context.Context, key string, elements ...string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.hlls[key]
	if !ok {
		s = make(map[string]struct{})
		a.hlls[key] = s
	}
	for _, e := range elements {
		s[e] = struct{}{}
	}
	return nil
}

func (a *Adapter) PFCount(_ context.Context, keys ...string) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	union := make(map[string]struct{})
	for _, k := range keys {
		for e := range a.hlls[k] {
			union[e] = struct{}{}
		}
	}
	return int64(len(union)), nil
}

func (a *Adapter) PFMerge(_ context.Context, dest string, sources ...string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	out, ok := a.hlls[dest]
	if !ok {
		out = make(map[string]struct{})
		a.hlls[dest] = out
	}
	for _, src := range sources {
		for e := range a.hlls[src] {
			out[e] = struct{}{}
		}
	}
	return nil
}
