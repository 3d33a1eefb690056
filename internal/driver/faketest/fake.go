// Package faketest provides an in-memory Upstream Driver double for tests
// of the multiplexer and health monitor, grounded on the teacher's
// connection_test.go pattern of a hand-rolled fake rather than a mock
// framework (none exists anywhere in the retrieval pack).
package faketest

import (
	"context"
	"errors"
	"sync"

	"github.com/rickgao/bar-broker/internal/barmodel"
	"github.com/rickgao/bar-broker/internal/driver"
)

// Driver is a controllable fake Client/Session/Chart triple.
type Driver struct {
	mu sync.Mutex

	connectErr    error
	chartErr      error
	setMarketErr  error
	connectCount  int
	closeCount    int
	charts        map[string]*Chart // keyed by symbol|timeframe
	chartsCreated int
	chartsDeleted int
	connected     bool
	lastSession   *session
}

// New returns a ready-to-use fake driver.
func New() *Driver {
	return &Driver{charts: make(map[string]*Chart)}
}

// Connect implements driver.Client.
func (d *Driver) Connect(ctx context.Context) (driver.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connectCount++
	if d.connectErr != nil {
		err := d.connectErr
		d.connectErr = nil
		return nil, err
	}
	d.connected = true
	s := &session{d: d}
	d.lastSession = s
	return s, nil
}

// Disconnect simulates the most recently connected session dropping
// unexpectedly. No-op if no session has been created yet.
func (d *Driver) Disconnect(err error) {
	d.mu.Lock()
	s := d.lastSession
	d.mu.Unlock()
	if s != nil {
		s.Drop(err)
	}
}

// SetConnectErr makes the next Connect call fail.
func (d *Driver) SetConnectErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connectErr = err
}

// SetChartErr makes the next Chart() call fail.
func (d *Driver) SetChartErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.chartErr = err
}

// ConnectCount reports how many times Connect was called.
func (d *Driver) ConnectCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connectCount
}

// ChartsCreated reports how many Chart() calls succeeded.
func (d *Driver) ChartsCreated() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.chartsCreated
}

// ChartsDeleted reports how many Chart.Delete() calls completed.
func (d *Driver) ChartsDeleted() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.chartsDeleted
}

// LiveCharts reports the number of charts not yet deleted.
func (d *Driver) LiveCharts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.charts)
}

// Chart returns the fake chart registered for symbol/timeframe, if any.
func (d *Driver) Chart(symbol, timeframe string) (*Chart, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch, ok := d.charts[symbol+"|"+timeframe]
	return ch, ok
}

// ErrFakeConnect is a canned connect failure for tests.
var ErrFakeConnect = errors.New("faketest: connect failed")

// ErrFakeChart is a canned chart-creation failure for tests.
var ErrFakeChart = errors.New("faketest: chart creation failed")

type session struct {
	d *Driver

	mu           sync.Mutex
	onDisconnect func(error)
}

func (s *session) Connected() bool {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	return s.d.connected
}

func (s *session) OnDisconnect(cb func(error)) {
	s.mu.Lock()
	s.onDisconnect = cb
	s.mu.Unlock()
}

// Drop simulates an unexpected disconnect, firing the registered callback.
func (s *session) Drop(err error) {
	s.d.mu.Lock()
	s.d.connected = false
	s.d.mu.Unlock()

	s.mu.Lock()
	cb := s.onDisconnect
	s.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

func (s *session) Chart() (driver.Chart, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	if s.d.chartErr != nil {
		err := s.d.chartErr
		s.d.chartErr = nil
		return nil, err
	}
	ch := &Chart{d: s.d}
	s.d.chartsCreated++
	return ch, nil
}

func (s *session) Close() error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	s.d.connected = false
	s.d.closeCount++
	return nil
}

// Chart is the fake chart handle. Tests call Emit to simulate a bar
// arriving, EmitError to simulate a chart error, and EmitSymbolLoaded.
type Chart struct {
	d *Driver

	mu             sync.Mutex
	symbol         string
	timeframe      string
	periods        []barmodel.Period
	onUpdate       func()
	onError        func(args ...any)
	onSymbolLoaded func()
	registered     bool
}

func (c *Chart) SetMarket(symbol, timeframe string) error {
	c.mu.Lock()
	c.symbol = symbol
	c.timeframe = timeframe
	c.mu.Unlock()

	c.d.mu.Lock()
	c.d.charts[symbol+"|"+timeframe] = c
	c.registered = true
	c.d.mu.Unlock()
	return nil
}

func (c *Chart) OnUpdate(cb func())             { c.mu.Lock(); c.onUpdate = cb; c.mu.Unlock() }
func (c *Chart) OnError(cb func(args ...any))    { c.mu.Lock(); c.onError = cb; c.mu.Unlock() }
func (c *Chart) OnSymbolLoaded(cb func())        { c.mu.Lock(); c.onSymbolLoaded = cb; c.mu.Unlock() }

func (c *Chart) Periods() []barmodel.Period {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.periods
}

func (c *Chart) Delete() error {
	c.d.mu.Lock()
	if c.registered {
		delete(c.d.charts, c.symbol+"|"+c.timeframe)
	}
	c.d.chartsDeleted++
	c.d.mu.Unlock()
	return nil
}

// Emit simulates the driver delivering a new period and firing onUpdate.
func (c *Chart) Emit(p barmodel.Period) {
	c.mu.Lock()
	c.periods = []barmodel.Period{p}
	cb := c.onUpdate
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// EmitError simulates a chart-level error callback.
func (c *Chart) EmitError(msg string) {
	c.mu.Lock()
	cb := c.onError
	c.mu.Unlock()
	if cb != nil {
		cb(msg)
	}
}

// EmitSymbolLoaded simulates the symbol-loaded callback.
func (c *Chart) EmitSymbolLoaded() {
	c.mu.Lock()
	cb := c.onSymbolLoaded
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}
