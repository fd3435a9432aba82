package db

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()

	tmpfile, err := os.CreateTemp("", "jim-db-test-*.db")
	require.NoError(t, err)
	tmpfile.Close()
	os.Remove(tmpfile.Name())

	database, err := New(tmpfile.Name())
	require.NoError(t, err)

	t.Cleanup(func() {
		database.Close()
		os.Remove(tmpfile.Name())
	})

	return database
}

func TestRegisterAndLookup(t *testing.T) {
	database := setupTestDB(t)

	registered, err := database.IsRegistered("alice")
	require.NoError(t, err)
	assert.False(t, registered)

	require.NoError(t, database.RegisterUser("alice", "s3cret", "online", "127.0.0.1"))

	registered, err = database.IsRegistered("alice")
	require.NoError(t, err)
	assert.True(t, registered)

	// re-registering refreshes status without error
	require.NoError(t, database.RegisterUser("alice", "", "away", "127.0.0.1"))
}

func TestAuthenticate(t *testing.T) {
	database := setupTestDB(t)
	require.NoError(t, database.RegisterUser("alice", "s3cret", "", ""))

	ok, err := database.Authenticate("alice", "s3cret")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = database.Authenticate("alice", "wrong")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = database.Authenticate("nobody", "whatever")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAuthenticatePresenceOnlyUser(t *testing.T) {
	database := setupTestDB(t)
	require.NoError(t, database.RegisterUser("alice", "", "online", ""))

	// no stored hash: any password passes until one is set
	ok, err := database.Authenticate("alice", "anything")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, database.RegisterUser("alice", "now-set", "online", ""))
	ok, err = database.Authenticate("alice", "anything")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestContactsEdgeLifecycle(t *testing.T) {
	database := setupTestDB(t)
	require.NoError(t, database.RegisterUser("alice", "", "", ""))
	require.NoError(t, database.RegisterUser("bob", "", "", ""))

	contacts, err := database.Contacts("alice")
	require.NoError(t, err)
	assert.Empty(t, contacts)

	require.NoError(t, database.AddContact("alice", "bob"))
	contacts, err = database.Contacts("alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, contacts)

	// the relation is one-directional
	contacts, err = database.Contacts("bob")
	require.NoError(t, err)
	assert.Empty(t, contacts)

	// remove deactivates the edge
	require.NoError(t, database.RemoveContact("alice", "bob"))
	contacts, err = database.Contacts("alice")
	require.NoError(t, err)
	assert.Empty(t, contacts)

	// removing a missing edge reports ErrNoRows
	assert.ErrorIs(t, database.RemoveContact("alice", "bob"), ErrNoRows)

	// adding again reactivates the same edge
	require.NoError(t, database.AddContact("alice", "bob"))
	contacts, err = database.Contacts("alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, contacts)
}

func TestLoginHistory(t *testing.T) {
	database := setupTestDB(t)

	require.NoError(t, database.RegisterUser("alice", "", "online", "10.0.0.1"))
	require.NoError(t, database.RegisterUser("alice", "", "online", "10.0.0.2"))

	records, err := database.LoginHistory("alice", 10)
	require.NoError(t, err)
	require.Len(t, records, 2)

	ips := []string{records[0].SourceIP, records[1].SourceIP}
	assert.ElementsMatch(t, []string{"10.0.0.1", "10.0.0.2"}, ips)
}

func TestSetActive(t *testing.T) {
	database := setupTestDB(t)
	require.NoError(t, database.RegisterUser("alice", "", "away", ""))

	require.NoError(t, database.SetActive("alice", true))
	user, err := database.GetUser("alice")
	require.NoError(t, err)
	assert.True(t, user.Active)
	assert.Equal(t, "away", user.Status)

	require.NoError(t, database.SetActive("alice", false))
	user, err = database.GetUser("alice")
	require.NoError(t, err)
	assert.False(t, user.Active)

	_, err = database.GetUser("nobody")
	assert.ErrorIs(t, err, ErrNoRows)
}
