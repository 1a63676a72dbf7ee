package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corridorlab/corridorscope/internal/domain"
)

type recordingSink struct {
	batches [][]*domain.Signal
	err     error
}

func (s *recordingSink) Dispatch(ctx context.Context, signals []*domain.Signal) (Report, error) {
	s.batches = append(s.batches, signals)
	if s.err != nil {
		return Report{Failed: len(signals), Errors: []string{s.err.Error()}}, s.err
	}
	return Report{Sent: len(signals)}, nil
}

func sig(key string, severity domain.Severity, label domain.ConfidenceLabel) *domain.Signal {
	return &domain.Signal{Key: domain.SignalKey(key), Severity: severity, Label: label}
}

func TestGate(t *testing.T) {
	signals := []*domain.Signal{
		sig("a", domain.SeverityHigh, domain.LabelHigh),
		sig("b", domain.SeverityHigh, domain.LabelMedium),
		sig("c", domain.SeverityHigh, domain.LabelLow),
		sig("d", domain.SeverityMedium, domain.LabelHigh),
		sig("e", domain.SeverityHigh, domain.LabelHidden),
	}

	eligible := Gate(signals)
	require.Len(t, eligible, 2)
	assert.Equal(t, domain.SignalKey("a"), eligible[0].Key)
	assert.Equal(t, domain.SignalKey("b"), eligible[1].Key)
}

func TestGated_FiltersBeforeDelivery(t *testing.T) {
	sink := &recordingSink{}
	g := NewGated(sink)

	rep, err := g.Dispatch(context.Background(), []*domain.Signal{
		sig("a", domain.SeverityHigh, domain.LabelHigh),
		sig("b", domain.SeverityLow, domain.LabelHigh),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Sent)
	require.Len(t, sink.batches, 1)
	require.Len(t, sink.batches[0], 1)
}

func TestGated_EmptyEligibleSetSkipsSink(t *testing.T) {
	sink := &recordingSink{}
	g := NewGated(sink)

	rep, err := g.Dispatch(context.Background(), []*domain.Signal{
		sig("a", domain.SeverityMedium, domain.LabelHigh),
	})
	require.NoError(t, err)
	assert.Zero(t, rep.Sent)
	assert.Empty(t, sink.batches)
}

func TestGated_WrapsSinkError(t *testing.T) {
	sink := &recordingSink{err: errors.New("connection refused")}
	g := NewGated(sink)

	rep, err := g.Dispatch(context.Background(), []*domain.Signal{
		sig("a", domain.SeverityHigh, domain.LabelHigh),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDispatcherError)
	assert.Equal(t, 1, rep.Failed)
}

func TestFanout_AllSinksSeeBatchAndTotalsSum(t *testing.T) {
	failing := &recordingSink{err: errors.New("sink down")}
	healthy := &recordingSink{}
	f := Fanout{failing, healthy}

	batch := []*domain.Signal{sig("a", domain.SeverityHigh, domain.LabelHigh)}
	rep, err := f.Dispatch(context.Background(), batch)

	require.Error(t, err)
	assert.Equal(t, 1, rep.Sent)
	assert.Equal(t, 1, rep.Failed)
	require.Len(t, failing.batches, 1)
	require.Len(t, healthy.batches, 1, "a failing sink must not starve the others")
}

func TestLogDispatcher(t *testing.T) {
	rep, err := LogDispatcher{}.Dispatch(context.Background(), []*domain.Signal{
		sig("a", domain.SeverityHigh, domain.LabelHigh),
		sig("b", domain.SeverityHigh, domain.LabelMedium),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Sent)
}
