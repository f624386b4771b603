package main

import (
	"errors"
	"testing"

	"github.com/golang-migrate/migrate/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMigrator struct {
	upErr   error
	steps   []int
	forced  int
	version uint
	verErr  error
}

func (f *fakeMigrator) Up() error               { return f.upErr }
func (f *fakeMigrator) Steps(n int) error       { f.steps = append(f.steps, n); return nil }
func (f *fakeMigrator) Force(version int) error { f.forced = version; return nil }
func (f *fakeMigrator) Version() (uint, bool, error) {
	return f.version, false, f.verErr
}

func TestRunCommandUpIgnoresNoChange(t *testing.T) {
	msg, err := runCommand(&fakeMigrator{upErr: migrate.ErrNoChange}, nil)
	require.NoError(t, err)
	assert.Equal(t, "migrations complete", msg)

	_, err = runCommand(&fakeMigrator{upErr: errors.New("syntax error")}, []string{"up"})
	assert.Error(t, err)
}

func TestRunCommandDownStepsBackwards(t *testing.T) {
	m := &fakeMigrator{}
	_, err := runCommand(m, []string{"down", "2"})
	require.NoError(t, err)
	assert.Equal(t, []int{-2}, m.steps)

	_, err = runCommand(m, []string{"down", "0"})
	assert.Error(t, err)
	_, err = runCommand(m, []string{"down"})
	assert.Error(t, err)
}

func TestRunCommandForceAndVersion(t *testing.T) {
	m := &fakeMigrator{version: 1}
	msg, err := runCommand(m, []string{"force", "1"})
	require.NoError(t, err)
	assert.Equal(t, 1, m.forced)
	assert.Equal(t, "forced version to 1", msg)

	msg, err = runCommand(m, []string{"version"})
	require.NoError(t, err)
	assert.Equal(t, "version 1 (dirty=false)", msg)

	msg, err = runCommand(&fakeMigrator{verErr: migrate.ErrNilVersion}, []string{"version"})
	require.NoError(t, err)
	assert.Equal(t, "no migrations applied", msg)
}

func TestRunCommandUnknown(t *testing.T) {
	_, err := runCommand(&fakeMigrator{}, []string{"sideways"})
	assert.EqualError(t, err, usage)
}
