package stats

import "github.com/stretchr/testify/mock"

type MockStatsProvider struct {
	mock.Mock
}

func (m *MockStatsProvider) Incr(name string) {
	m.Called(name)
}
func (m *MockStatsProvider) Decr(name string) {
	m.Called(name)
}
func (m *MockStatsProvider) RegisterMetric(name string) {
	m.Called(name)
}
func (m *MockStatsProvider) Run() {
	m.Called()
}

var _ StatsProvider = (*MockStatsProvider)(nil)
