package model

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YuminosukeSato/wekadl/pkg/errors"
)

func TestTrainingState_Lifecycle(t *testing.T) {
	s := NewTrainingState()
	assert.Equal(t, Uninitialized, s.Current())
	assert.Error(t, s.BeginSession(), "no network yet")

	var nf *errors.NotFittedError
	assert.True(t, errors.As(s.RequireReady("MLPClassifier", "DistributionsForInstances"), &nf))

	s.MarkInitialized()
	require.NoError(t, s.BeginSession())
	assert.Equal(t, Training, s.Current())
	s.EpochDone()
	s.EpochDone()
	s.Finish()
	assert.True(t, s.IsReady())
	total, session := s.Epochs()
	assert.Equal(t, 2, total)
	assert.Equal(t, 2, session)

	// 再開: セッションカウンタだけが0に戻る
	require.NoError(t, s.BeginSession())
	s.EpochDone()
	s.Finish()
	total, session = s.Epochs()
	assert.Equal(t, 3, total)
	assert.Equal(t, 1, session)

	s.Reset()
	assert.Equal(t, Uninitialized, s.Current())
	total, _ = s.Epochs()
	assert.Zero(t, total)
}

func TestTrainingState_Snapshot(t *testing.T) {
	s := NewTrainingState()
	s.MarkInitialized()
	s.SetDimensions(4, 150, 3)
	require.NoError(t, s.BeginSession())
	s.EpochDone()
	s.Finish()

	restored := NewTrainingState()
	restored.SetState(s.GetState())
	assert.Equal(t, s.GetState(), restored.GetState())
	f, n, c := restored.GetDimensions()
	assert.Equal(t, []int{4, 150, 3}, []int{f, n, c})
	assert.Equal(t, "READY", restored.Current().String())
	assert.Equal(t, "Stage(9)", Stage(9).String())
}

func TestPersistence_RoundTrip(t *testing.T) {
	snap := Snapshot{Stage: Ready, EpochsTotal: 7, EpochsSession: 2, NFeatures: 4}

	var buf bytes.Buffer
	require.NoError(t, SaveModelToWriter(snap, &buf))
	var got Snapshot
	require.NoError(t, LoadModelFromReader(&got, &buf))
	assert.Equal(t, snap, got)

	path := filepath.Join(t.TempDir(), "state.gob")
	require.NoError(t, SaveModel(snap, path))
	var fromFile Snapshot
	require.NoError(t, LoadModel(&fromFile, path))
	assert.Equal(t, snap, fromFile)

	assert.Error(t, LoadModel(&fromFile, filepath.Join(t.TempDir(), "missing.gob")))
	assert.Error(t, LoadModelFromReader(&fromFile, bytes.NewReader([]byte("not gob"))))
}
