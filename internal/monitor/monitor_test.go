package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/pu-ac-cn/uac-cas/internal/registry"
	"github.com/pu-ac-cn/uac-cas/internal/ticket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPolicy = ticket.HardTimeoutPolicy{TimeToKill: 10 * time.Second}

// seedRegistry 向注册表写入 n 个 TGT 与 m 个 ST
func seedRegistry(t *testing.T, tgts, sts int) *registry.MemoryRegistry {
	t.Helper()
	gen, err := ticket.NewIDGenerator("")
	require.NoError(t, err)

	reg := registry.NewMemoryRegistry()
	ctx := context.Background()
	now := time.Now()
	auth := ticket.Authentication{Principal: ticket.Principal{ID: "casuser"}, AuthenticatedAt: now}

	var last *ticket.TicketGrantingTicket
	for i := 0; i < tgts; i++ {
		last = ticket.NewTicketGrantingTicket(gen.NewTicketID(ticket.PrefixTicketGrantingTicket), auth, testPolicy, now)
		require.NoError(t, reg.AddTicket(ctx, last))
	}
	require.NotNil(t, last)
	for i := 0; i < sts; i++ {
		st, err := last.GrantServiceTicket(gen.NewTicketID(ticket.PrefixServiceTicket), "https://www.example.com", testPolicy, now, ticket.GrantOptions{CredentialProvided: true})
		require.NoError(t, err)
		require.NoError(t, reg.AddTicket(ctx, st))
	}
	return reg
}

func TestSessionMonitor_OK(t *testing.T) {
	reg := seedRegistry(t, 5, 10)
	m := NewSessionMonitor(reg, nil)

	status, err := m.Observe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusOK, status.Code)
	assert.Equal(t, 5, status.SessionCount)
	assert.Equal(t, 10, status.ServiceTicketCount)
	assert.Empty(t, status.Description)
}

func TestSessionMonitor_WarnSessionCount(t *testing.T) {
	reg := seedRegistry(t, 10, 1)
	m := NewSessionMonitor(reg, &Config{SessionCountWarnThreshold: 5})

	status, err := m.Observe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusWarn, status.Code)
	assert.Contains(t, status.Description, "Session count")
	assert.Contains(t, status.Description, "10")
	assert.NotContains(t, status.Description, "Service ticket count")
}

func TestSessionMonitor_WarnServiceTicketCount(t *testing.T) {
	reg := seedRegistry(t, 1, 10)
	m := NewSessionMonitor(reg, &Config{ServiceTicketCountWarnThreshold: 5})

	status, err := m.Observe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusWarn, status.Code)
	assert.Contains(t, status.Description, "Service ticket count")
	assert.NotContains(t, status.Description, "Session count")
}

func TestSessionMonitor_WarnBoth(t *testing.T) {
	reg := seedRegistry(t, 10, 10)
	m := NewSessionMonitor(reg, &Config{SessionCountWarnThreshold: 5, ServiceTicketCountWarnThreshold: 5})

	status, err := m.Observe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusWarn, status.Code)
	assert.Contains(t, status.Description, "Session count (10) is at or above threshold 5")
	assert.Contains(t, status.Description, "Service ticket count (10) is at or above threshold 5")
}

func TestSessionMonitor_ThresholdBoundary(t *testing.T) {
	reg := seedRegistry(t, 5, 1)

	status, err := NewSessionMonitor(reg, &Config{SessionCountWarnThreshold: 6}).Observe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusOK, status.Code, "低于阈值")

	status, err = NewSessionMonitor(reg, &Config{SessionCountWarnThreshold: 5}).Observe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusWarn, status.Code, "等于阈值")

	status, err = NewSessionMonitor(reg, &Config{SessionCountWarnThreshold: -1}).Observe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusOK, status.Code, "负数阈值不检查")
}

type failingCounter struct {
	sessionErr error
	stErr      error
}

func (f failingCounter) SessionCount(context.Context) (int, error) { return 1, f.sessionErr }

func (f failingCounter) ServiceTicketCount(context.Context) (int, error) { return 1, f.stErr }

func TestSessionMonitor_Unavailable(t *testing.T) {
	down := errors.New("connection refused")

	for _, c := range []failingCounter{{sessionErr: down}, {stErr: down}} {
		status, err := NewSessionMonitor(c, &Config{SessionCountWarnThreshold: 1}).Observe(context.Background())
		assert.ErrorIs(t, err, ErrMonitorUnavailable)
		assert.Nil(t, status)
	}
}

func TestSessionMonitor_DoesNotTouchTickets(t *testing.T) {
	reg := seedRegistry(t, 2, 3)
	before, err := reg.GetTickets(context.Background())
	require.NoError(t, err)

	m := NewSessionMonitor(reg, nil)
	for i := 0; i < 3; i++ {
		_, err := m.Observe(context.Background())
		require.NoError(t, err)
	}

	after, err := reg.GetTickets(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, before, after)
}

func TestStatusCode_JSON(t *testing.T) {
	data, err := json.Marshal(SessionStatus{Code: StatusWarn, SessionCount: 3})
	require.NoError(t, err)
	assert.JSONEq(t, `{"code":"WARN","session_count":3,"service_ticket_count":0}`, string(data))

	for code, want := range map[StatusCode]string{StatusUnknown: "UNKNOWN", StatusOK: "OK", StatusWarn: "WARN"} {
		assert.Equal(t, want, fmt.Sprint(code))
	}
}
