package commands

import (
	"bytes"
	"context"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs one CLI invocation against an unreachable server and the database at db
func execute(t *testing.T, db string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("TWOKAJ_SERVER", "http://127.0.0.1:1")
	t.Setenv("TWOKAJ_DB", db)
	t.Setenv("TWOKAJ_VERBOSE", "")

	var out, errOut bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(append([]string{"--offline"}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestOfflineSession(t *testing.T) {
	db := filepath.Join(t.TempDir(), "data", "twokaj.db")

	out, err := execute(t, db, "whoami")
	require.NoError(t, err)
	assert.Contains(t, out, "not signed in")

	out, err = execute(t, db, "register", "--pseudo", "marie", "--email", "marie@example.com", "--password", "secret")
	require.NoError(t, err)
	assert.Contains(t, out, "queued")

	out, err = execute(t, db, "whoami")
	require.NoError(t, err)
	assert.Contains(t, out, "marie")
	assert.Contains(t, out, "offline session")

	out, err = execute(t, db, "listings", "create", "--category", "plantes", "--title", "Plants de manioc", "--location", "Jacmel")
	require.NoError(t, err)
	assert.Contains(t, out, "queued")
	id := regexp.MustCompile(`listing (\S+)`).FindStringSubmatch(out)
	require.Len(t, id, 2)

	out, err = execute(t, db, "listings", "list", "--mine")
	require.NoError(t, err)
	assert.Contains(t, out, "Plants de manioc")
	assert.Contains(t, out, "marie")

	out, err = execute(t, db, "listings", "close", id[1])
	require.NoError(t, err)
	assert.Contains(t, out, "queued")

	out, err = execute(t, db, "listings", "list")
	require.NoError(t, err)
	assert.NotContains(t, out, "Plants de manioc", "closed listings are hidden by default")

	out, err = execute(t, db, "queue")
	require.NoError(t, err)
	assert.Contains(t, out, "pending 3, rejected 0, dead 0")
	assert.Contains(t, out, "CreateUser")
	assert.Contains(t, out, "UpdateAdStatus")

	out, err = execute(t, db, "sync")
	require.NoError(t, err)
	assert.Contains(t, out, "offline")

	out, err = execute(t, db, "logout")
	require.NoError(t, err)
	assert.Contains(t, out, "signed out")

	out, err = execute(t, db, "login", "marie", "--password", "secret")
	require.NoError(t, err)
	assert.Contains(t, out, "signed in as marie")

	_, err = execute(t, db, "login", "marie", "--password", "wrong")
	assert.Error(t, err)
}

func TestWritesRequireSession(t *testing.T) {
	db := filepath.Join(t.TempDir(), "twokaj.db")

	_, err := execute(t, db, "listings", "create", "--category", "plantes", "--title", "x")
	assert.Error(t, err)

	_, err = execute(t, db, "messages", "list")
	assert.Error(t, err)
}

func TestUnknownAccountNeedsConnectivity(t *testing.T) {
	db := filepath.Join(t.TempDir(), "twokaj.db")

	_, err := execute(t, db, "login", "nobody", "--password", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect to the server")
}

func TestQueueRetryUnknownOperation(t *testing.T) {
	db := filepath.Join(t.TempDir(), "twokaj.db")

	_, err := execute(t, db, "queue", "--retry", "00000000-0000-0000-0000-000000000000")
	assert.Error(t, err)
}
