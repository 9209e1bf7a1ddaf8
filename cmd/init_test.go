package cmd

import (
	"bytes"
	"fmt"
	"github.com/arcward/roomkeeper/roomkeeper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"path/filepath"
	"strings"
	"testing"
)

// mockPasswords replaces the terminal password reader with one that
// returns passwords in order
func mockPasswords(t *testing.T, passwords ...string) {
	t.Helper()
	idx := 0
	customPasswordReader = func() ([]byte, error) {
		if idx >= len(passwords) {
			return nil, fmt.Errorf("no more passwords")
		}
		password := passwords[idx]
		idx++
		return []byte(password), nil
	}
	t.Cleanup(
		func() {
			customPasswordReader = nil
		},
	)
}

func runInit(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(stdin))
	t.Cleanup(
		func() {
			rootCmd.SetOut(nil)
			rootCmd.SetErr(nil)
			rootCmd.SetIn(nil)
			resetCredentials = false
		},
	)
	rootCmd.SetArgs(append([]string{"init"}, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

func openTestDB(t *testing.T, dbPath string) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{})
	require.NoError(t, err)
	t.Cleanup(
		func() {
			if sqlDB, e := db.DB(); e == nil {
				_ = sqlDB.Close()
			}
		},
	)
	return db
}

func TestInitCommand(t *testing.T) {
	resetEnv(t)
	chdir(t, t.TempDir())

	dbPath := filepath.Join(t.TempDir(), "test.db")
	t.Setenv("RK_DATABASE_TYPE", "sqlite")
	t.Setenv("RK_DATABASE", dbPath)

	// a mismatch and a short password are both rejected before the
	// final pair is accepted
	mockPasswords(
		t,
		"testpassword", "different",
		"short", "short",
		"testpassword", "testpassword",
	)

	output, err := runInit(t, "testadmin\n")
	require.NoError(t, err)

	assert.Contains(t, output, "Admin credentials are not set. Let's set them up.")
	assert.Contains(t, output, "Enter admin username: ")
	assert.Contains(t, output, "Passwords do not match. Please try again.")
	assert.Contains(t, output, fmt.Sprintf("Password must be at least %d characters.", minPasswordLength))
	assert.Contains(t, output, "Admin credentials set successfully.")
	assert.Contains(
		t,
		output,
		"Initialization complete. You can now start the bot with the 'run' subcommand.",
	)

	db := openTestDB(t, dbPath)

	for _, table := range []any{
		&roomkeeper.Guild{},
		&roomkeeper.GuildConfig{},
		&roomkeeper.StaffRole{},
		&roomkeeper.Room{},
		&roomkeeper.RoomSettings{},
		&roomkeeper.RetiredRoomID{},
		&roomkeeper.PendingResponse{},
		&roomkeeper.SettingsMessage{},
		&roomkeeper.RuntimeConfig{},
		&roomkeeper.InteractionLog{},
	} {
		assert.Truef(t, db.Migrator().HasTable(table), "missing table for %T", table)
	}

	var state roomkeeper.RuntimeConfig
	require.NoError(t, db.Last(&state).Error)
	assert.Equal(t, "testadmin", state.AdminUsername)
	assert.NotEqual(t, "testpassword", state.AdminPassword)

	valid, err := roomkeeper.VerifyPassword(state.AdminPassword, "testpassword")
	require.NoError(t, err)
	assert.True(t, valid)

	// running it again leaves the credentials alone
	output, err = runInit(t, "")
	require.NoError(t, err)
	assert.Contains(t, output, "Admin credentials are already set.")
	assert.NotContains(t, output, "Enter admin username: ")

	var count int64
	require.NoError(t, db.Model(&roomkeeper.RuntimeConfig{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestInitCommand_Reset(t *testing.T) {
	resetEnv(t)
	chdir(t, t.TempDir())

	dbPath := filepath.Join(t.TempDir(), "test.db")
	t.Setenv("RK_DATABASE_TYPE", "sqlite")
	t.Setenv("RK_DATABASE", dbPath)

	mockPasswords(t, "first-password", "first-password", "second-password", "second-password")

	_, err := runInit(t, "firstadmin\n")
	require.NoError(t, err)

	output, err := runInit(t, "secondadmin\n", "--reset")
	require.NoError(t, err)
	assert.Contains(t, output, "Resetting admin credentials.")

	db := openTestDB(t, dbPath)
	var state roomkeeper.RuntimeConfig
	require.NoError(t, db.Last(&state).Error)
	assert.Equal(t, "secondadmin", state.AdminUsername)

	valid, err := roomkeeper.VerifyPassword(state.AdminPassword, "second-password")
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestInitCommand_EmptyUsername(t *testing.T) {
	resetEnv(t)
	chdir(t, t.TempDir())

	t.Setenv("RK_DATABASE_TYPE", "sqlite")
	t.Setenv("RK_DATABASE", filepath.Join(t.TempDir(), "test.db"))
	mockPasswords(t)

	_, err := runInit(t, "\n")
	assert.ErrorContains(t, err, "username can't be empty")
}
