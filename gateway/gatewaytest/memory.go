// Package gatewaytest provides a deterministic in-memory gateway used by
// the synchronizer tests: relations are plain ordered row slices, change
// notifications fire synchronously after each write, and individual
// operations can be made to fail per relation.
package gatewaytest

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/teamhubapp/teamhub-go/gateway"
	"github.com/teamhubapp/teamhub-go/models"
	"github.com/teamhubapp/teamhub-go/pkg/util"
)

type credential struct {
	userID   string
	password string
}

// Gateway implements gateway.Store, gateway.Blob and gateway.Auth in memory.
type Gateway struct {
	mu     sync.Mutex
	tables map[string][]map[string]any
	blobs  map[string][]byte
	creds  map[string]credential // by email
	sess   *gateway.Credential

	subs     []*subscription
	authSubs []*authSubscription
	entropy  *ulid.MonotonicEntropy

	// Fault injection, keyed by relation.
	FailInsert map[string]error
	FailUpdate map[string]error
	FailDelete map[string]error

	FailBlobPut    error
	FailBlobRemove error

	// OnSelect, when set, runs before every Select/SelectOne without the
	// internal lock held; tests use it to interleave operations mid-load.
	OnSelect func(relation string, filter gateway.Filter)

	// DeletedCredentials records DeleteCredential calls for assertions.
	DeletedCredentials []string
}

func New() *Gateway {
	return &Gateway{
		tables:     map[string][]map[string]any{},
		blobs:      map[string][]byte{},
		creds:      map[string]credential{},
		FailInsert: map[string]error{},
		FailUpdate: map[string]error{},
		FailDelete: map[string]error{},
		entropy:    ulid.Monotonic(rand.New(rand.NewSource(42)), 0),
	}
}

var _ gateway.Store = (*Gateway)(nil)
var _ gateway.Blob = (*Gateway)(nil)
var _ gateway.Auth = (*Gateway)(nil)

func (g *Gateway) newID() string {
	return strings.ToLower(ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy).String())
}

// Rows returns a copy of the raw rows of a relation, in insertion order.
func (g *Gateway) Rows(relation string) []map[string]any {
	g.mu.Lock()
	defer g.mu.Unlock()
	rows := make([]map[string]any, len(g.tables[relation]))
	copy(rows, g.tables[relation])
	return rows
}

func condMatches(rowVal any, cond gateway.Cond) bool {
	switch cond.Op {
	case gateway.OpEq:
		return fmt.Sprint(rowVal) == fmt.Sprint(cond.Value)
	case gateway.OpIn:
		values, ok := cond.Value.([]any)
		if !ok {
			return false
		}
		for _, v := range values {
			if fmt.Sprint(rowVal) == fmt.Sprint(v) {
				return true
			}
		}
		return false
	case gateway.OpMatch:
		needle := strings.ToLower(fmt.Sprint(cond.Value))
		return strings.Contains(strings.ToLower(fmt.Sprint(rowVal)), needle)
	}
	return false
}

func rowMatches(row map[string]any, filter gateway.Filter) bool {
	for column, cond := range filter {
		if !condMatches(row[column], cond) {
			return false
		}
	}
	return true
}

func (g *Gateway) matchingRows(relation string, filter gateway.Filter) []map[string]any {
	var out []map[string]any
	for _, row := range g.tables[relation] {
		if rowMatches(row, filter) {
			out = append(out, row)
		}
	}
	return out
}

func lessValues(a, b any) bool {
	fa, aok := a.(float64)
	fb, bok := b.(float64)
	if aok && bok {
		return fa < fb
	}
	return fmt.Sprint(a) < fmt.Sprint(b)
}

func (g *Gateway) Select(ctx context.Context, relation string, filter gateway.Filter, dest any, opts ...gateway.SelectOption) error {
	if g.OnSelect != nil {
		g.OnSelect(relation, filter)
	}

	g.mu.Lock()
	rows := g.matchingRows(relation, filter)
	g.mu.Unlock()

	o := gateway.ApplySelectOptions(opts)
	if o.OrderColumn != "" {
		sort.SliceStable(rows, func(i, j int) bool {
			if o.Descending {
				return lessValues(rows[j][o.OrderColumn], rows[i][o.OrderColumn])
			}
			return lessValues(rows[i][o.OrderColumn], rows[j][o.OrderColumn])
		})
	}
	if o.Limit > 0 && len(rows) > o.Limit {
		rows = rows[:o.Limit]
	}

	return util.TranscodeJSON(rows, dest)
}

func (g *Gateway) SelectOne(ctx context.Context, relation string, filter gateway.Filter, dest any) error {
	if g.OnSelect != nil {
		g.OnSelect(relation, filter)
	}

	g.mu.Lock()
	rows := g.matchingRows(relation, filter)
	g.mu.Unlock()

	if len(rows) == 0 {
		return models.ErrNotFound
	}
	return util.TranscodeJSON(rows[0], dest)
}

func (g *Gateway) Insert(ctx context.Context, relation string, row any, dest any) error {
	if err := g.FailInsert[relation]; err != nil {
		return err
	}

	stored := map[string]any{}
	if err := util.TranscodeJSON(row, &stored); err != nil {
		return fmt.Errorf("encode row: %w", err)
	}
	if id, ok := stored["id"]; ok && fmt.Sprint(id) == "" {
		stored["id"] = g.newID()
	}

	g.mu.Lock()
	g.tables[relation] = append(g.tables[relation], stored)
	handlers := g.changeHandlers(relation, stored)
	g.mu.Unlock()

	g.dispatch(handlers, gateway.Change{Relation: relation, Event: gateway.EventInsert, Row: stored})

	if dest != nil {
		return util.TranscodeJSON(stored, dest)
	}
	return nil
}

func (g *Gateway) Update(ctx context.Context, relation string, filter gateway.Filter, patch map[string]any) error {
	if err := g.FailUpdate[relation]; err != nil {
		return err
	}

	normalized := map[string]any{}
	if err := util.TranscodeJSON(patch, &normalized); err != nil {
		return fmt.Errorf("encode patch: %w", err)
	}

	g.mu.Lock()
	var changed []map[string]any
	for _, row := range g.tables[relation] {
		if rowMatches(row, filter) {
			for k, v := range normalized {
				row[k] = v
			}
			changed = append(changed, row)
		}
	}
	type fired struct {
		handlers []gateway.ChangeHandler
		row      map[string]any
	}
	var fires []fired
	for _, row := range changed {
		fires = append(fires, fired{g.changeHandlers(relation, row), row})
	}
	g.mu.Unlock()

	for _, f := range fires {
		g.dispatch(f.handlers, gateway.Change{Relation: relation, Event: gateway.EventUpdate, Row: f.row})
	}
	return nil
}

func (g *Gateway) Delete(ctx context.Context, relation string, filter gateway.Filter) error {
	if err := g.FailDelete[relation]; err != nil {
		return err
	}

	g.mu.Lock()
	var kept []map[string]any
	var removed []map[string]any
	for _, row := range g.tables[relation] {
		if rowMatches(row, filter) {
			removed = append(removed, row)
		} else {
			kept = append(kept, row)
		}
	}
	g.tables[relation] = kept
	type fired struct {
		handlers []gateway.ChangeHandler
		row      map[string]any
	}
	var fires []fired
	for _, row := range removed {
		fires = append(fires, fired{g.changeHandlers(relation, row), row})
	}
	g.mu.Unlock()

	for _, f := range fires {
		g.dispatch(f.handlers, gateway.Change{Relation: relation, Event: gateway.EventDelete, Row: f.row})
	}
	return nil
}

type subscription struct {
	g        *Gateway
	relation string
	filter   gateway.Filter
	fn       gateway.ChangeHandler
	closed   bool
}

func (s *subscription) Unsubscribe() {
	s.g.mu.Lock()
	defer s.g.mu.Unlock()
	s.closed = true
}

func (g *Gateway) Subscribe(ctx context.Context, relation string, filter gateway.Filter, fn gateway.ChangeHandler) (gateway.Subscription, error) {
	sub := &subscription{g: g, relation: relation, filter: filter, fn: fn}
	g.mu.Lock()
	g.subs = append(g.subs, sub)
	g.mu.Unlock()
	return sub, nil
}

// ActiveSubscriptions counts live change subscriptions; tests use it to
// assert no leak across chat switches.
func (g *Gateway) ActiveSubscriptions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, s := range g.subs {
		if !s.closed {
			n++
		}
	}
	return n
}

// changeHandlers must be called with g.mu held.
func (g *Gateway) changeHandlers(relation string, row map[string]any) []gateway.ChangeHandler {
	var handlers []gateway.ChangeHandler
	for _, s := range g.subs {
		if s.closed || s.relation != relation {
			continue
		}
		if rowMatches(row, s.filter) {
			handlers = append(handlers, s.fn)
		}
	}
	return handlers
}

// dispatch runs handlers without the lock so they may call back in.
func (g *Gateway) dispatch(handlers []gateway.ChangeHandler, change gateway.Change) {
	for _, fn := range handlers {
		fn(change)
	}
}

// --- blob surface ---

func blobKey(bucket, key string) string {
	return bucket + "/" + key
}

func (g *Gateway) Put(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	if g.FailBlobPut != nil {
		return g.FailBlobPut
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.blobs[blobKey(bucket, key)] = data
	return nil
}

func (g *Gateway) PublicURL(bucket, key string) string {
	return "memory://" + blobKey(bucket, key)
}

func (g *Gateway) Remove(ctx context.Context, bucket, key string) error {
	if g.FailBlobRemove != nil {
		return g.FailBlobRemove
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.blobs, blobKey(bucket, key))
	return nil
}

// HasBlob reports whether a blob exists; for test assertions.
func (g *Gateway) HasBlob(bucket, key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.blobs[blobKey(bucket, key)]
	return ok
}

// --- auth surface ---

type authSubscription struct {
	g      *Gateway
	fn     func(*gateway.Credential)
	closed bool
}

func (s *authSubscription) Unsubscribe() {
	s.g.mu.Lock()
	defer s.g.mu.Unlock()
	s.closed = true
}

func (g *Gateway) SignUp(ctx context.Context, email, password string) (*gateway.Credential, error) {
	g.mu.Lock()
	if _, exists := g.creds[email]; exists {
		g.mu.Unlock()
		return nil, fmt.Errorf("credential already exists for %s", email)
	}
	cred := credential{userID: g.newID(), password: password}
	g.creds[email] = cred
	session := &gateway.Credential{
		UserID:    cred.userID,
		Email:     email,
		ExpiresAt: time.Now().Add(time.Hour),
	}
	g.sess = session
	g.mu.Unlock()

	g.notifyAuth(session)
	return session, nil
}

func (g *Gateway) SignIn(ctx context.Context, email, password string) (*gateway.Credential, error) {
	g.mu.Lock()
	cred, ok := g.creds[email]
	if !ok || cred.password != password {
		g.mu.Unlock()
		return nil, models.ErrAuthFailed
	}
	session := &gateway.Credential{
		UserID:    cred.userID,
		Email:     email,
		ExpiresAt: time.Now().Add(time.Hour),
	}
	g.sess = session
	g.mu.Unlock()

	g.notifyAuth(session)
	return session, nil
}

func (g *Gateway) SignOut(ctx context.Context) error {
	g.mu.Lock()
	g.sess = nil
	g.mu.Unlock()
	g.notifyAuth(nil)
	return nil
}

func (g *Gateway) ChangePassword(ctx context.Context, newPassword string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sess == nil {
		return models.ErrNotAuthenticated
	}
	cred := g.creds[g.sess.Email]
	cred.password = newPassword
	g.creds[g.sess.Email] = cred
	return nil
}

func (g *Gateway) CurrentSession(ctx context.Context) (*gateway.Credential, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sess, nil
}

func (g *Gateway) DeleteCredential(ctx context.Context, userID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for email, cred := range g.creds {
		if cred.userID == userID {
			delete(g.creds, email)
		}
	}
	if g.sess != nil && g.sess.UserID == userID {
		g.sess = nil
	}
	g.DeletedCredentials = append(g.DeletedCredentials, userID)
	return nil
}

func (g *Gateway) OnChange(fn func(*gateway.Credential)) gateway.Subscription {
	sub := &authSubscription{g: g, fn: fn}
	g.mu.Lock()
	g.authSubs = append(g.authSubs, sub)
	g.mu.Unlock()
	return sub
}

func (g *Gateway) notifyAuth(cred *gateway.Credential) {
	g.mu.Lock()
	var fns []func(*gateway.Credential)
	for _, s := range g.authSubs {
		if !s.closed {
			fns = append(fns, s.fn)
		}
	}
	g.mu.Unlock()
	for _, fn := range fns {
		fn(cred)
	}
}
