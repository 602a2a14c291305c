package payments

import (
	"context"
	"sort"
	"sync"
	"time"

	"payledger/internal/gateway"
	"payledger/internal/store"
)

type fakeGateway struct {
	mu       sync.Mutex
	requests []gateway.ChargeRequest
	result   gateway.ChargeResult
	err      error
	statuses map[string]gateway.ChargeStatus
	failing  map[string]error
}

func (g *fakeGateway) CreateCharge(ctx context.Context, req gateway.ChargeRequest) (gateway.ChargeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if g.err != nil {
		return gateway.ChargeResult{}, g.err
	}
	return g.result, nil
}

func (g *fakeGateway) Inquire(ctx context.Context, trackID string) (gateway.ChargeStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return gateway.ChargeStatus{}, g.err
	}
	if err, ok := g.failing[trackID]; ok {
		return gateway.ChargeStatus{}, err
	}
	st, ok := g.statuses[trackID]
	if !ok {
		return gateway.ChargeStatus{TrackID: trackID, Status: gateway.StatusWaiting}, nil
	}
	return st, nil
}

// memStore mirrors the constraints of the SQL store: one deposit per track
// id and one code per owner.
type memStore struct {
	mu         sync.Mutex
	charges    map[string]store.Charge
	deposits   map[string]store.Deposit
	codes      map[string]string
	nextID     int64
	checks     map[string]int64
	checkSeq   int64
	createErr  error
	depositErr error
}

func newMemStore() *memStore {
	return &memStore{
		charges:  make(map[string]store.Charge),
		deposits: make(map[string]store.Deposit),
		codes:    make(map[string]string),
		checks:   make(map[string]int64),
	}
}

func (m *memStore) CreateCharge(ctx context.Context, c store.Charge) (store.Charge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return store.Charge{}, m.createErr
	}
	if existing, ok := m.charges[c.TrackID]; ok {
		return existing, nil
	}
	c.Status = store.ChargeRequested
	c.CreatedAt = time.Now()
	m.charges[c.TrackID] = c
	return c, nil
}

func (m *memStore) GetCharge(ctx context.Context, trackID string) (store.Charge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.charges[trackID]
	if !ok {
		return store.Charge{}, store.ErrNotFound
	}
	return c, nil
}

func (m *memStore) SetChargeStatus(ctx context.Context, trackID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.charges[trackID]
	if ok && c.Status == store.ChargeRequested {
		c.Status = status
		m.charges[trackID] = c
	}
	return nil
}

func (m *memStore) ClaimStaleCharges(ctx context.Context, cutoff time.Time, limit int) ([]store.Charge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Charge
	for _, c := range m.charges {
		if c.Status == store.ChargeRequested && c.CreatedAt.Before(cutoff) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ci, cj := m.checks[out[i].TrackID], m.checks[out[j].TrackID]
		if ci != cj {
			return ci < cj
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	for _, c := range out {
		m.checkSeq++
		m.checks[c.TrackID] = m.checkSeq
	}
	return out, nil
}

func (m *memStore) RecordPaidDeposit(ctx context.Context, in store.RecordDepositInput, gen store.CodeGenerator) (store.Deposit, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.depositErr != nil {
		return store.Deposit{}, false, m.depositErr
	}
	if d, ok := m.deposits[in.TrackID]; ok {
		return d, false, nil
	}
	code, ok := m.codes[in.Email]
	if !ok {
		var err error
		code, err = gen()
		if err != nil {
			return store.Deposit{}, false, err
		}
		m.codes[in.Email] = code
	}
	m.nextID++
	d := store.Deposit{
		ID:             m.nextID,
		TrackID:        in.TrackID,
		Amount:         in.Amount,
		ReceivedAmount: in.ReceivedAmount,
		Currency:       in.Currency,
		PayCurrency:    in.PayCurrency,
		TransactionID:  in.TransactionID,
		ReferralCode:   code,
		Email:          in.Email,
		Status:         in.Status,
		CreatedAt:      time.Now(),
	}
	m.deposits[in.TrackID] = d
	if c, ok := m.charges[in.TrackID]; ok {
		c.Status = store.ChargePaid
		m.charges[in.TrackID] = c
	}
	return d, true, nil
}

func (m *memStore) depositCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.deposits)
}
