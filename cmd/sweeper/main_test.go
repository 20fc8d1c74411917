package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campuslib/internal/lending"
)

func TestRootCommandTree(t *testing.T) {
	root := newRootCmd(&app{logger: slog.New(slog.NewTextHandler(io.Discard, nil))})

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"fines", "reservations", "reminders", "all", "audit", "run"}, names)

	run, _, err := root.Find([]string{"run"})
	require.NoError(t, err)
	require.NoError(t, run.ParseFlags([]string{"--interval", "2h"}))
	interval, err := run.Flags().GetDuration("interval")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, interval)

	within, err := root.PersistentFlags().GetDuration("remind-within")
	require.NoError(t, err)
	assert.Equal(t, defaultReminderWindow, within)
}

type stubService struct {
	lending.Service
	calls        []string
	expireErr    error
	finesErr     error
	remindersErr error
}

func (s *stubService) ExpireStale(context.Context) (int, error) {
	s.calls = append(s.calls, "expire")
	return 0, s.expireErr
}

func (s *stubService) SweepOverdue(context.Context) (lending.SweepReport, error) {
	s.calls = append(s.calls, "fines")
	return lending.SweepReport{}, s.finesErr
}

func (s *stubService) SendDueReminders(context.Context, time.Duration) (lending.SweepReport, error) {
	s.calls = append(s.calls, "reminders")
	return lending.SweepReport{Processed: 2}, s.remindersErr
}

func TestRunAll_KeepsGoingAfterFailure(t *testing.T) {
	dbDown := errors.New("db down")
	timeout := errors.New("timeout")

	tests := []struct {
		name string
		svc  *stubService
		want error
	}{
		{name: "all succeed", svc: &stubService{}},
		{name: "expire fails", svc: &stubService{expireErr: dbDown}, want: dbDown},
		{name: "fines fail", svc: &stubService{finesErr: dbDown}, want: dbDown},
		{name: "first error wins", svc: &stubService{expireErr: dbDown, remindersErr: timeout}, want: dbDown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &app{logger: slog.New(slog.NewTextHandler(io.Discard, nil)), svc: tt.svc, within: time.Hour}

			err := a.runAll(context.Background())
			if tt.want == nil {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, tt.want)
			}
			assert.Equal(t, []string{"expire", "fines", "reminders"}, tt.svc.calls)
		})
	}
}

func TestRunAll_LogsEachSummaryOnce(t *testing.T) {
	var buf bytes.Buffer
	a := &app{logger: slog.New(slog.NewTextHandler(&buf, nil)), svc: &stubService{}, within: time.Hour}

	require.NoError(t, a.runAll(context.Background()))
	out := buf.String()
	assert.Zero(t, strings.Count(out, "overdue sweep finished"), "the lending service logs the fines summary")
	assert.Equal(t, 1, strings.Count(out, "due reminders sent"))
}
